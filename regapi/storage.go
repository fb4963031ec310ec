package regapi

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"

	"github.com/acrsync/acrsync/types"
)

// blobEnum is the XML body of the container list API
type blobEnum struct {
	XMLName xml.Name `xml:"EnumerationResults"`
	Blobs   struct {
		Blob []struct {
			Name string `xml:"Name"`
		} `xml:"Blob"`
	} `xml:"Blobs"`
	NextMarker string `xml:"NextMarker"`
}

// BlobList returns the blob names in a storage container. The container url
// carries its authorization in the SAS query.
func (c *Client) BlobList(ctx context.Context, containerURL string) ([]string, error) {
	base, err := url.Parse(containerURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("failed to parse container url: %w", types.ErrInvalidInput)
	}
	rh := c.storage()

	names := []string{}
	marker := ""
	for {
		u := *base
		query := u.Query()
		query.Set("restype", "container")
		query.Set("comp", "list")
		if marker != "" {
			query.Set("marker", marker)
		}
		u.RawQuery = query.Encode()

		resp, err := rh.DoRequest(ctx, "GET", u)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs in %s: %w", base.Host, err)
		}
		if resp.StatusCode != http.StatusOK {
			err = regError(resp)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to list blobs in %s: %w", base.Host, err)
		}
		enum := blobEnum{}
		err = xml.NewDecoder(resp.Body).Decode(&enum)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse blob list for %s: %w", base.Host, err)
		}
		for _, b := range enum.Blobs.Blob {
			names = append(names, b.Name)
		}
		if enum.NextMarker == "" {
			break
		}
		marker = enum.NextMarker
	}
	return names, nil
}
