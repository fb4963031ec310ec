package regapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/acrsync/acrsync/internal/reghttp"
	"github.com/acrsync/acrsync/types"
	dockerManifestList "github.com/docker/distribution/manifest/manifestlist"
	dockerSchema2 "github.com/docker/distribution/manifest/schema2"
	"github.com/docker/distribution/registry/api/errcode"
	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// acrTag is one entry of the Azure tag attributes API
type acrTag struct {
	Name   string        `json:"name"`
	Digest digest.Digest `json:"digest"`
}

// acrTagList is the json response of the Azure tag attributes API
type acrTagList struct {
	Registry  string   `json:"registry"`
	ImageName string   `json:"imageName"`
	Tags      []acrTag `json:"tags"`
}

// v2TagList is the json response of the distribution-spec tag listing API
type v2TagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// manifestAccepts lists the manifest media types requested when resolving a
// tag digest from the distribution-spec API
var manifestAccepts = []string{
	dockerSchema2.MediaTypeManifest,
	dockerManifestList.MediaTypeManifestList,
	ociv1.MediaTypeImageManifest,
	ociv1.MediaTypeImageIndex,
}

// TagDigests returns each tag in a repository with its manifest digest,
// ordered as the registry lists them. The Azure tag attributes API provides
// digests directly, other registries fall back to the distribution-spec tag
// list with a manifest request per tag. A missing repository returns
// types.ErrNotFound.
func (c *Client) TagDigests(ctx context.Context, registry, repository string) ([]types.TagDigest, error) {
	hc, err := c.hc(registry)
	if err != nil {
		return nil, err
	}
	tds, err := c.tagDigestsACR(ctx, hc, registry, repository)
	if err != nil && errors.Is(err, types.ErrUnsupportedAPI) {
		c.log.WithFields(logrus.Fields{
			"registry":   registry,
			"repository": repository,
		}).Debug("Azure tag API unavailable, using distribution-spec API")
		tds, err = c.tagDigestsV2(ctx, hc, registry, repository)
	}
	return tds, err
}

func (c *Client) tagDigestsACR(ctx context.Context, hc *hostClient, registry, repository string) ([]types.TagDigest, error) {
	tds := []types.TagDigest{}
	last := ""
	for {
		page, err := c.acrTagPage(ctx, hc, registry, repository, last)
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			tds = append(tds, types.TagDigest{Tag: t.Name, Digest: t.Digest})
		}
		if len(page) < listPageSize {
			break
		}
		last = page[len(page)-1].Name
	}
	return tds, nil
}

func (c *Client) acrTagPage(ctx context.Context, hc *hostClient, registry, repository, last string) ([]acrTag, error) {
	u := hc.hostURL("/acr/v1/" + repository + "/_tags")
	query := url.Values{}
	query.Set("n", strconv.Itoa(listPageSize))
	if last != "" {
		query.Set("last", last)
	}
	u.RawQuery = query.Encode()

	resp, err := hc.rh.DoRequest(ctx, "GET", u, reghttp.WithHeader("Accept", []string{"application/json"}))
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s/%s: %w", registry, repository, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		// an error body means the repository is missing on a registry that
		// supports the API, a plain 404 means the API itself is unavailable
		errBody := errcode.Errors{}
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		if rerr == nil && len(body) > 0 && json.Unmarshal(body, &errBody) == nil && len(errBody) != 0 {
			return nil, fmt.Errorf("repository %s/%s: %w: %s", registry, repository, types.ErrNotFound, errBody.Error())
		}
		return nil, fmt.Errorf("tag API unavailable on %s: %w", registry, types.ErrUnsupportedAPI)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list tags for %s/%s: %w", registry, repository, regError(resp))
	}

	tl := acrTagList{}
	if err := json.NewDecoder(resp.Body).Decode(&tl); err != nil {
		return nil, fmt.Errorf("failed to parse tag list for %s/%s: %w", registry, repository, err)
	}
	return tl.Tags, nil
}

func (c *Client) tagDigestsV2(ctx context.Context, hc *hostClient, registry, repository string) ([]types.TagDigest, error) {
	tags := []string{}
	last := ""
	for {
		page, err := c.v2TagPage(ctx, hc, registry, repository, last)
		if err != nil {
			return nil, err
		}
		tags = append(tags, page...)
		if len(page) < listPageSize {
			break
		}
		last = page[len(page)-1]
	}
	tds := make([]types.TagDigest, 0, len(tags))
	for _, t := range tags {
		d, err := c.manifestDigest(ctx, hc, registry, repository, t)
		if err != nil {
			return nil, err
		}
		tds = append(tds, types.TagDigest{Tag: t, Digest: d})
	}
	return tds, nil
}

func (c *Client) v2TagPage(ctx context.Context, hc *hostClient, registry, repository, last string) ([]string, error) {
	u := hc.hostURL("/v2/" + repository + "/tags/list")
	query := url.Values{}
	query.Set("n", strconv.Itoa(listPageSize))
	if last != "" {
		query.Set("last", last)
	}
	u.RawQuery = query.Encode()

	resp, err := hc.rh.DoRequest(ctx, "GET", u, reghttp.WithHeader("Accept", []string{"application/json"}))
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s/%s: %w", registry, repository, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list tags for %s/%s: %w", registry, repository, regError(resp))
	}

	tl := v2TagList{}
	if err := json.NewDecoder(resp.Body).Decode(&tl); err != nil {
		return nil, fmt.Errorf("failed to parse tag list for %s/%s: %w", registry, repository, err)
	}
	return tl.Tags, nil
}

// manifestDigest resolves the digest for one tag, preferring the digest
// header from a HEAD request and falling back to hashing the manifest body
func (c *Client) manifestDigest(ctx context.Context, hc *hostClient, registry, repository, tag string) (digest.Digest, error) {
	u := hc.hostURL("/v2/" + repository + "/manifests/" + tag)

	resp, err := hc.rh.DoRequest(ctx, "HEAD", u, reghttp.WithHeader("Accept", manifestAccepts))
	if err != nil {
		return "", fmt.Errorf("failed to request manifest %s/%s:%s: %w", registry, repository, tag, err)
	}
	if resp.StatusCode != http.StatusOK {
		err = regError(resp)
		_ = resp.Body.Close()
		return "", fmt.Errorf("failed to request manifest %s/%s:%s: %w", registry, repository, tag, err)
	}
	dc := resp.Header.Get("Docker-Content-Digest")
	_ = resp.Body.Close()
	if dc != "" {
		d, err := digest.Parse(dc)
		if err == nil {
			return d, nil
		}
		c.log.WithFields(logrus.Fields{
			"registry": registry,
			"digest":   dc,
			"err":      err,
		}).Warn("Registry returned an invalid digest header")
	}

	// fetch the manifest and compute the digest locally
	resp, err = hc.rh.DoRequest(ctx, "GET", u, reghttp.WithHeader("Accept", manifestAccepts))
	if err != nil {
		return "", fmt.Errorf("failed to get manifest %s/%s:%s: %w", registry, repository, tag, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get manifest %s/%s:%s: %w", registry, repository, tag, regError(resp))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest %s/%s:%s: %w", registry, repository, tag, err)
	}
	return digest.Canonical.FromBytes(body), nil
}
