package types

import "github.com/opencontainers/go-digest"

// TagDigest pairs a tag label with the manifest digest the tag referenced at
// inventory time. Digests are compared as opaque strings; the typed form also
// exposes the algorithm prefix for mismatch detection.
type TagDigest struct {
	Tag    string        `json:"tag"`
	Digest digest.Digest `json:"digest"`
}
