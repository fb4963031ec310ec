package regapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/acrsync/acrsync/internal/reghttp"
	"github.com/sirupsen/logrus"
)

const (
	// PipelineTargetBlob is the storage target type used by pipeline runs
	PipelineTargetBlob = "AzureStorageBlob"
	// Terminal provisioning states reported for a pipeline run
	ProvisioningSucceeded = "Succeeded"
	ProvisioningFailed    = "Failed"
	ProvisioningCanceled  = "Canceled"
)

// PipelineRun is a pipeline run resource on the management plane
type PipelineRun struct {
	ID         string                `json:"id,omitempty"`
	Name       string                `json:"name,omitempty"`
	Properties PipelineRunProperties `json:"properties"`
}

// PipelineRunProperties holds the request and state of a pipeline run
type PipelineRunProperties struct {
	ProvisioningState string              `json:"provisioningState,omitempty"`
	Request           *PipelineRunRequest `json:"request,omitempty"`
	ForceUpdateTag    string              `json:"forceUpdateTag,omitempty"`
}

// PipelineRunRequest describes the artifacts moved by a pipeline run
type PipelineRunRequest struct {
	PipelineResourceID string             `json:"pipelineResourceId,omitempty"`
	Artifacts          []string           `json:"artifacts,omitempty"`
	Source             *PipelineRunTarget `json:"source,omitempty"`
	Target             *PipelineRunTarget `json:"target,omitempty"`
}

// PipelineRunTarget names the storage blob a run reads from or writes to
type PipelineRunTarget struct {
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// Terminal reports whether a run reached a final provisioning state
func (p PipelineRun) Terminal() bool {
	switch p.Properties.ProvisioningState {
	case ProvisioningSucceeded, ProvisioningFailed, ProvisioningCanceled:
		return true
	}
	return false
}

// pipelineRunList is the paged response of the pipeline run list API
type pipelineRunList struct {
	Value    []PipelineRun `json:"value"`
	NextLink string        `json:"nextLink"`
}

// PipelineRunList returns every pipeline run on a registry
func (c *Client) PipelineRunList(ctx context.Context, registry string) ([]PipelineRun, error) {
	registryID, err := c.Resolve(ctx, registry)
	if err != nil {
		return nil, err
	}
	rh, base, err := c.mgmt()
	if err != nil {
		return nil, err
	}
	u := *base
	u.Path = path.Join(u.Path, registryID, "pipelineRuns")
	u.RawQuery = url.Values{"api-version": []string{apiVersionPipelines}}.Encode()

	runs := []PipelineRun{}
	for {
		resp, err := rh.DoRequest(ctx, "GET", u, reghttp.WithHeader("Accept", []string{"application/json"}))
		if err != nil {
			return nil, fmt.Errorf("failed to list pipeline runs for %s: %w", registry, err)
		}
		if resp.StatusCode != http.StatusOK {
			err = mgmtError(resp)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to list pipeline runs for %s: %w", registry, err)
		}
		rl := pipelineRunList{}
		err = json.NewDecoder(resp.Body).Decode(&rl)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse pipeline runs for %s: %w", registry, err)
		}
		runs = append(runs, rl.Value...)
		if rl.NextLink == "" {
			break
		}
		next, err := url.Parse(rl.NextLink)
		if err != nil {
			return nil, fmt.Errorf("failed to parse next link %s: %w", rl.NextLink, err)
		}
		u = *next
	}
	return runs, nil
}

// PipelineRunGet returns one pipeline run by name, types.ErrNotFound when the
// run does not exist
func (c *Client) PipelineRunGet(ctx context.Context, registry, name string) (*PipelineRun, error) {
	registryID, err := c.Resolve(ctx, registry)
	if err != nil {
		return nil, err
	}
	rh, base, err := c.mgmt()
	if err != nil {
		return nil, err
	}
	u := *base
	u.Path = path.Join(u.Path, registryID, "pipelineRuns", name)
	u.RawQuery = url.Values{"api-version": []string{apiVersionPipelines}}.Encode()

	resp, err := rh.DoRequest(ctx, "GET", u, reghttp.WithHeader("Accept", []string{"application/json"}))
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run %s on %s: %w", name, registry, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get pipeline run %s on %s: %w", name, registry, mgmtError(resp))
	}
	run := PipelineRun{}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline run %s on %s: %w", name, registry, err)
	}
	return &run, nil
}

// PipelineRunCreate submits a pipeline run. Setting force re-triggers a run
// that already exists under the same name.
func (c *Client) PipelineRunCreate(ctx context.Context, registry, name string, req PipelineRunRequest, force bool) (*PipelineRun, error) {
	registryID, err := c.Resolve(ctx, registry)
	if err != nil {
		return nil, err
	}
	rh, base, err := c.mgmt()
	if err != nil {
		return nil, err
	}
	props := PipelineRunProperties{
		Request: &req,
	}
	if force {
		props.ForceUpdateTag = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(PipelineRun{Properties: props})
	if err != nil {
		return nil, err
	}
	u := *base
	u.Path = path.Join(u.Path, registryID, "pipelineRuns", name)
	u.RawQuery = url.Values{"api-version": []string{apiVersionPipelines}}.Encode()

	c.log.WithFields(logrus.Fields{
		"registry": registry,
		"name":     name,
	}).Debug("Creating pipeline run")
	resp, err := rh.DoRequest(ctx, "PUT", u,
		reghttp.WithBodyBytes(body),
		reghttp.WithHeader("Content-Type", []string{"application/json"}))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline run %s on %s: %w", name, registry, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("failed to create pipeline run %s on %s: %w", name, registry, mgmtError(resp))
	}
	run := PipelineRun{}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline run %s on %s: %w", name, registry, err)
	}
	return &run, nil
}
