package regapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/acrsync/acrsync/internal/reghttp"
	"github.com/docker/distribution/registry/api/errcode"
)

// regError maps a failed data plane response to an error, including any
// detail from a distribution-spec error body
func regError(resp *http.Response) error {
	errBody := errcode.Errors{}
	body, err := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	if err == nil && len(body) > 0 && json.Unmarshal(body, &errBody) == nil && len(errBody) != 0 {
		return fmt.Errorf("%w: %s", reghttp.HTTPError(resp.StatusCode), errBody.Error())
	}
	return reghttp.HTTPError(resp.StatusCode)
}

// azureError is the error body returned by the management plane
type azureError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mgmtError maps a failed management plane response to an error, including
// any detail from the Azure error body
func mgmtError(resp *http.Response) error {
	azErr := azureError{}
	body, err := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	if err == nil && len(body) > 0 && json.Unmarshal(body, &azErr) == nil && azErr.Error.Code != "" {
		return fmt.Errorf("%w: %s: %s", reghttp.HTTPError(resp.StatusCode), azErr.Error.Code, azErr.Error.Message)
	}
	return reghttp.HTTPError(resp.StatusCode)
}
