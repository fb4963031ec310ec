package regapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/acrsync/acrsync/internal/reghttp"
	"github.com/acrsync/acrsync/types"
	"github.com/sirupsen/logrus"
)

// repoList is the json response from the catalog APIs
type repoList struct {
	Repositories []string `json:"repositories"`
}

// RepoList returns every repository name in a registry. The Azure catalog API
// is tried first with a fallback to the distribution-spec API for other
// registries.
func (c *Client) RepoList(ctx context.Context, registry string) ([]string, error) {
	repos, err := c.repoListPath(ctx, registry, "/acr/v1/_catalog")
	if err != nil && errors.Is(err, types.ErrUnsupportedAPI) {
		c.log.WithFields(logrus.Fields{
			"registry": registry,
		}).Debug("Azure catalog API unavailable, using distribution-spec API")
		repos, err = c.repoListPath(ctx, registry, "/v2/_catalog")
	}
	return repos, err
}

func (c *Client) repoListPath(ctx context.Context, registry, path string) ([]string, error) {
	hc, err := c.hc(registry)
	if err != nil {
		return nil, err
	}
	repos := []string{}
	last := ""
	for {
		page, err := c.repoListPage(ctx, hc, registry, path, last)
		if err != nil {
			return nil, err
		}
		repos = append(repos, page...)
		if len(page) < listPageSize {
			break
		}
		last = page[len(page)-1]
	}
	return repos, nil
}

func (c *Client) repoListPage(ctx context.Context, hc *hostClient, registry, path, last string) ([]string, error) {
	u := hc.hostURL(path)
	query := url.Values{}
	query.Set("n", strconv.Itoa(listPageSize))
	if last != "" {
		query.Set("last", last)
	}
	u.RawQuery = query.Encode()

	resp, err := hc.rh.DoRequest(ctx, "GET", u, reghttp.WithHeader("Accept", []string{"application/json"}))
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories for %s: %w", registry, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
		return nil, fmt.Errorf("catalog API %s unavailable on %s: %w", path, registry, types.ErrUnsupportedAPI)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list repositories for %s: %w", registry, regError(resp))
	}

	rl := repoList{}
	if err := json.NewDecoder(resp.Body).Decode(&rl); err != nil {
		return nil, fmt.Errorf("failed to parse repository list for %s: %w", registry, err)
	}
	return rl.Repositories, nil
}
