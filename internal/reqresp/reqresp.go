// Package reqresp is used to create mock web servers for testing HTTP clients.
package reqresp

import (
	"bytes"
	"io"
	"net/http"
	"testing"
)

// ReqResp pairs an expected request with the canned response to send.
type ReqResp struct {
	ReqEntry  ReqEntry
	RespEntry RespEntry
}

// ReqEntry describes the fields a request must match. Query and Headers only
// need to contain the listed values, extra values are ignored.
type ReqEntry struct {
	Name     string
	DelOnUse bool
	Method   string
	Path     string
	Query    map[string][]string
	Headers  http.Header
	Body     []byte
}

// RespEntry is the response returned for a matched request.
type RespEntry struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// NewHandler builds an http.Handler that answers from the ReqResp list and
// fails the test on any unmatched request.
func NewHandler(t *testing.T, rrs []ReqResp) http.Handler {
	r := rrHandler{
		t:   t,
		rrs: rrs,
	}
	return &r
}

type rrHandler struct {
	t   *testing.T
	rrs []ReqResp
}

// return false if any item in a is not found in b
func strMapMatch(a, b map[string][]string) bool {
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		for _, ave := range av {
			found := false
			for _, bve := range bv {
				if ave == bve {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (r *rrHandler) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	reqBody, err := io.ReadAll(req.Body)
	if err != nil {
		r.t.Errorf("error reading request body: %v", err)
		rw.WriteHeader(http.StatusInternalServerError)
		_, _ = rw.Write([]byte("error reading request body"))
		return
	}
	for i, rr := range r.rrs {
		reqMatch := rr.ReqEntry
		if reqMatch.Method != req.Method ||
			reqMatch.Path != req.URL.Path ||
			!strMapMatch(reqMatch.Query, req.URL.Query()) ||
			!strMapMatch(reqMatch.Headers, req.Header) ||
			(len(reqMatch.Body) > 0 && !bytes.Equal(reqMatch.Body, reqBody)) {
			// skip if any field does not match
			continue
		}

		// respond
		if reqMatch.Name != "" {
			r.t.Logf("sending response %s", reqMatch.Name)
		}
		rwHeader := rw.Header()
		for k, v := range rr.RespEntry.Headers {
			rwHeader[k] = v
		}
		if rr.RespEntry.Status != 0 {
			rw.WriteHeader(rr.RespEntry.Status)
		}
		_, _ = io.Copy(rw, bytes.NewReader(rr.RespEntry.Body))

		// for single use test cases, delete this entry
		if reqMatch.DelOnUse {
			r.rrs = append(r.rrs[:i], r.rrs[i+1:]...)
		}
		return
	}
	r.t.Errorf("unhandled request: %s %s", req.Method, req.URL.String())
	rw.WriteHeader(http.StatusInternalServerError)
	_, _ = rw.Write([]byte("unsupported request"))
}
