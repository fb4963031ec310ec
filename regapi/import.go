package regapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/acrsync/acrsync/config"
	"github.com/acrsync/acrsync/internal/reghttp"
	"github.com/acrsync/acrsync/types"
	"github.com/sirupsen/logrus"
)

// importImageBody is the request body for the import API
type importImageBody struct {
	Source     importSource `json:"source"`
	TargetTags []string     `json:"targetTags"`
	Mode       string       `json:"mode"`
}

// importSource identifies the image pulled by the import API
type importSource struct {
	ResourceID  string `json:"resourceId"`
	SourceImage string `json:"sourceImage"`
}

// registryResource is one entry of the registry list API
type registryResource struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Properties registryProperties `json:"properties"`
}

type registryProperties struct {
	LoginServer string `json:"loginServer"`
}

// registryList is the paged response of the registry list API
type registryList struct {
	Value    []registryResource `json:"value"`
	NextLink string             `json:"nextLink"`
}

// Resolve returns the Azure resource id for a registry. A configured resource
// id is used directly, otherwise the subscription is searched by registry
// name and login server. Results are cached for the life of the client.
func (c *Client) Resolve(ctx context.Context, registry string) (string, error) {
	host := c.host(registry)
	if host.ResourceID != "" {
		return host.ResourceID, nil
	}
	c.mu.Lock()
	if id, ok := c.resourceIDs[host.Name]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	sub := host.Subscription
	if sub == "" {
		sub = c.subscription
	}
	if sub == "" {
		return "", fmt.Errorf("no subscription configured for %s: %w", registry, types.ErrMissingInput)
	}

	regs, err := c.registriesList(ctx, sub)
	if err != nil {
		return "", err
	}
	shortName := strings.TrimSuffix(host.Hostname, config.AzureRegistrySuffix)
	for _, r := range regs {
		if r.Name == shortName || r.Name == host.Name || strings.EqualFold(r.Properties.LoginServer, host.Hostname) {
			c.log.WithFields(logrus.Fields{
				"registry": registry,
				"id":       r.ID,
			}).Debug("Resolved registry resource")
			c.mu.Lock()
			c.resourceIDs[host.Name] = r.ID
			c.mu.Unlock()
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("registry %s not found in subscription %s: %w", registry, sub, types.ErrNotFound)
}

func (c *Client) registriesList(ctx context.Context, subscription string) ([]registryResource, error) {
	rh, base, err := c.mgmt()
	if err != nil {
		return nil, err
	}
	u := *base
	u.Path = path.Join(u.Path, "subscriptions", subscription, "providers", "Microsoft.ContainerRegistry", "registries")
	u.RawQuery = url.Values{"api-version": []string{apiVersionRegistries}}.Encode()

	regs := []registryResource{}
	for {
		resp, err := rh.DoRequest(ctx, "GET", u, reghttp.WithHeader("Accept", []string{"application/json"}))
		if err != nil {
			return nil, fmt.Errorf("failed to list registries in subscription %s: %w", subscription, err)
		}
		if resp.StatusCode != http.StatusOK {
			err = mgmtError(resp)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to list registries in subscription %s: %w", subscription, err)
		}
		rl := registryList{}
		err = json.NewDecoder(resp.Body).Decode(&rl)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse registry list for subscription %s: %w", subscription, err)
		}
		regs = append(regs, rl.Value...)
		if rl.NextLink == "" {
			break
		}
		next, err := url.Parse(rl.NextLink)
		if err != nil {
			return nil, fmt.Errorf("failed to parse next link %s: %w", rl.NextLink, err)
		}
		u = *next
	}
	return regs, nil
}

// ImportTag imports one tag into the target registry with the import API.
// Force mode is used so a retag overwrites the existing target tag.
func (c *Client) ImportTag(ctx context.Context, target, sourceID, repository, tag string) error {
	targetID, err := c.Resolve(ctx, target)
	if err != nil {
		return err
	}
	rh, base, err := c.mgmt()
	if err != nil {
		return err
	}
	image := repository + ":" + tag
	body, err := json.Marshal(importImageBody{
		Source: importSource{
			ResourceID:  sourceID,
			SourceImage: image,
		},
		TargetTags: []string{image},
		Mode:       "Force",
	})
	if err != nil {
		return err
	}
	u := *base
	u.Path = path.Join(u.Path, targetID, "importImage")
	u.RawQuery = url.Values{"api-version": []string{apiVersionRegistries}}.Encode()

	c.log.WithFields(logrus.Fields{
		"target": target,
		"image":  image,
	}).Debug("Importing image")
	resp, err := rh.DoRequest(ctx, "POST", u,
		reghttp.WithBodyBytes(body),
		reghttp.WithHeader("Content-Type", []string{"application/json"}))
	if err != nil {
		return fmt.Errorf("failed to import %s to %s: %w", image, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("failed to import %s to %s: %w", image, target, mgmtError(resp))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
