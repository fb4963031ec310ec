package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/acrsync/acrsync/config"
	"github.com/acrsync/acrsync/internal/reqresp"
	"github.com/acrsync/acrsync/regapi"
	"github.com/acrsync/acrsync/types"
)

func TestConfigRead(t *testing.T) {
	t.Parallel()
	tt := []struct {
		name   string
		file   string
		expect Config
		expErr error
	}{
		{
			name: "config1",
			file: "config1.yml",
			expect: Config{
				Version: 1,
				Creds: []config.Host{
					{
						Name: "teamtgt",
						User: "svc-sync",
						Pass: "hunter2",
					},
					{
						Name:     "localreg:5000",
						Hostname: "localreg:5000",
						TLS:      config.TLSDisabled,
					},
				},
				Defaults: ConfigDefaults{
					Parallel:        2,
					Concurrency:     4,
					Delay:           500 * time.Millisecond,
					Interval:        60 * time.Minute,
					MaxRepositories: 500,
					SkipDockerConf:  true,
					UserAgent:       "acrsync-ci",
				},
				Azure: ConfigAzure{
					Subscription: "sub-1",
					TokenEnv:     "ACR_TOKEN",
				},
				Transfer: []ConfigTransfer{
					{
						Source:          "teamsrc",
						Target:          "teamtgt",
						Letters:         "a-m",
						Ignore:          []string{"test/*", "re:^tmp-[0-9]+$"},
						Schedule:        "15 3 * * *",
						Delay:           500 * time.Millisecond,
						MaxRepositories: 500,
					},
					{
						Source:          "teamsrc",
						Target:          "teamtgt",
						Repository:      "app/api",
						Force:           true,
						Delay:           500 * time.Millisecond,
						Interval:        60 * time.Minute,
						MaxRepositories: 10,
					},
				},
			},
		},
		{
			name: "config2",
			file: "config2.yml",
			expect: Config{
				Version: 1,
				Creds:   []config.Host{},
				Azure: ConfigAzure{
					TokenEnv: "AZURE_ACCESS_TOKEN",
				},
				Transfer: []ConfigTransfer{
					{
						Source: "teamsrc",
						Target: "teamtgt",
					},
				},
			},
		},
		{
			name:   "unsupported version",
			file:   "config-v2.yml",
			expErr: types.ErrUnsupportedConfigVersion,
		},
		{
			name:   "missing file",
			file:   "absent.yml",
			expErr: fs.ErrNotExist,
		},
	}
	for _, tc := range tt {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cRead, err := ConfigLoadFile(filepath.Join("./testdata", tc.file))
			if tc.expErr != nil {
				if !errors.Is(err, tc.expErr) {
					t.Errorf("expected error %v, received %v", tc.expErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to read: %v", err)
			}
			if !reflect.DeepEqual(tc.expect, *cRead) {
				t.Errorf("parsing mismatch, expected:\n%#v\n  received:\n%#v", tc.expect, *cRead)
			}
		})
	}
}

func TestConfigEnv(t *testing.T) {
	t.Setenv("ACRSYNC_TEST_PASS", "ts-pass-123")
	c, err := ConfigLoadFile("./testdata/config-env.yml")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if len(c.Creds) != 1 || c.Creds[0].Pass != "ts-pass-123" {
		t.Errorf("env template was not expanded: %+v", c.Creds)
	}
}

func TestConfigWrite(t *testing.T) {
	t.Parallel()
	orig, err := ConfigLoadFile("./testdata/config1.yml")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	buf := &bytes.Buffer{}
	if err := ConfigWrite(orig, buf); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	reread, err := ConfigLoadReader(buf)
	if err != nil {
		t.Fatalf("failed to reread: %v", err)
	}
	if !reflect.DeepEqual(orig, reread) {
		t.Errorf("round trip mismatch, expected:\n%#v\n  received:\n%#v", orig, reread)
	}
}

func TestSteps(t *testing.T) {
	var err error
	conf, err = ConfigLoadFile("./testdata/config1.yml")
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	// an ad hoc step from the source/target flags picks up the defaults
	rootOpts := rootCmd{source: "adhoc", target: "adhoc-tgt", letters: "a-c"}
	steps, err := rootOpts.steps(&cobra.Command{})
	if err != nil {
		t.Fatalf("failed to build steps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected a single ad hoc step, received %d", len(steps))
	}
	s := steps[0]
	if s.Source != "adhoc" || s.Target != "adhoc-tgt" || s.Letters != "a-c" {
		t.Errorf("flags were not applied: %+v", s)
	}
	if s.Delay != 500*time.Millisecond || s.Interval != 60*time.Minute || s.MaxRepositories != 500 {
		t.Errorf("defaults were not applied: %+v", s)
	}
	// a source without a target is rejected
	rootOpts = rootCmd{source: "adhoc"}
	_, err = rootOpts.steps(&cobra.Command{})
	if !errors.Is(err, types.ErrMissingInput) {
		t.Errorf("unexpected error: expected %v, received %v", types.ErrMissingInput, err)
	}
	// without flags the configured steps are used as is
	rootOpts = rootCmd{}
	steps, err = rootOpts.steps(&cobra.Command{})
	if err != nil {
		t.Fatalf("failed to build steps: %v", err)
	}
	if !reflect.DeepEqual(conf.Transfer, steps) {
		t.Errorf("steps do not match config, expected:\n%#v\n  received:\n%#v", conf.Transfer, steps)
	}
}

func TestVersionCmd(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := NewRootCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version", "--format", "{{json .}}"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	info := struct {
		GoVer string `json:"goVersion"`
	}{}
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("failed to parse version output: %v", err)
	}
	if info.GoVer == "" {
		t.Errorf("missing go version in output: %s", out.String())
	}
}

func TestConfigCmd(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := NewRootCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"config", "-c", "./testdata/config1.yml"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(out.String(), "source: teamsrc") {
		t.Errorf("config output missing the transfer steps:\n%s", out.String())
	}
	// the merged config parses again
	if _, err := ConfigLoadReader(out); err != nil {
		t.Errorf("config output does not parse: %v", err)
	}
}

// tagBody builds an Azure tag attributes response
func tagBody(registry, repository string, tags map[string]digest.Digest) []byte {
	type tagEntry struct {
		Name   string        `json:"name"`
		Digest digest.Digest `json:"digest"`
	}
	body := struct {
		Registry  string     `json:"registry"`
		ImageName string     `json:"imageName"`
		Tags      []tagEntry `json:"tags"`
	}{Registry: registry, ImageName: repository}
	// fixed order keeps the plans deterministic
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body.Tags = append(body.Tags, tagEntry{Name: name, Digest: tags[name]})
	}
	b, _ := json.Marshal(body)
	return b
}

func tsHost(ts *httptest.Server) string {
	u, _ := url.Parse(ts.URL)
	return u.Host
}

func TestProcessCheck(t *testing.T) {
	// process reads the conf, rapi, and throttleC globals, so no t.Parallel
	ctx := context.Background()
	log.SetLevel(logrus.WarnLevel)
	digA := digest.Canonical.FromString("content a")
	digB := digest.Canonical.FromString("content b")
	srcRRs := []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "source catalog",
				Method: "GET",
				Path:   "/acr/v1/_catalog",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   []byte(`{"repositories":["app/api","app/web"]}`),
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "source api tags",
				Method: "GET",
				Path:   "/acr/v1/app/api/_tags",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   tagBody("teamsrc", "app/api", map[string]digest.Digest{"1.0": digA, "2.0": digB}),
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "source web tags",
				Method: "GET",
				Path:   "/acr/v1/app/web/_tags",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   tagBody("teamsrc", "app/web", map[string]digest.Digest{"latest": digA}),
			},
		},
	}
	tgtRRs := []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "target api tags",
				Method: "GET",
				Path:   "/acr/v1/app/api/_tags",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   tagBody("teamtgt", "app/api", map[string]digest.Digest{"1.0": digA}),
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "target web tags missing",
				Method: "GET",
				Path:   "/acr/v1/app/web/_tags",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusNotFound,
				Body:   []byte(`{"errors":[{"code":"NAME_UNKNOWN","message":"repository name not known to registry"}]}`),
			},
		},
	}
	tsSrc := httptest.NewServer(reqresp.NewHandler(t, srcRRs))
	defer tsSrc.Close()
	tsTgt := httptest.NewServer(reqresp.NewHandler(t, tgtRRs))
	defer tsTgt.Close()

	confBytes := fmt.Sprintf(`
version: 1
creds:
  - registry: teamsrc
    hostname: %s
    tls: disabled
  - registry: teamtgt
    hostname: %s
    tls: disabled
defaults:
  skipDockerConfig: true
`, tsHost(tsSrc), tsHost(tsTgt))
	var err error
	conf, err = ConfigLoadReader(bytes.NewReader([]byte(confBytes)))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	rapi = regapi.New(
		regapi.WithConfigHosts(conf.Creds),
		regapi.WithLog(log),
		regapi.WithRetryDelay(time.Millisecond, 5*time.Millisecond),
	)

	rootOpts := rootCmd{}
	rep, err := rootOpts.process(ctx, ConfigTransfer{Source: "teamsrc", Target: "teamtgt"}, true)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !rep.DryRun {
		t.Errorf("report did not record the dry run")
	}
	if rep.Migrated != 2 || rep.Retagged != 0 || rep.Skipped != 1 || rep.Failed != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}

	// a step without a target cannot run
	_, err = rootOpts.process(ctx, ConfigTransfer{Source: "teamsrc"}, true)
	if err == nil {
		t.Errorf("process without a target did not error")
	} else if !errors.Is(err, types.ErrMissingInput) {
		t.Errorf("unexpected error: expected %v, received %v", types.ErrMissingInput, err)
	}
}

func TestCheckCmd(t *testing.T) {
	// executing the command rewrites the conf and rapi globals, no t.Parallel
	digA := digest.Canonical.FromString("content a")
	digB := digest.Canonical.FromString("content b")
	srcRRs := []reqresp.ReqResp{{
		ReqEntry: reqresp.ReqEntry{
			Name:   "source api tags",
			Method: "GET",
			Path:   "/acr/v1/app/api/_tags",
		},
		RespEntry: reqresp.RespEntry{
			Status: http.StatusOK,
			Body:   tagBody("teamsrc", "app/api", map[string]digest.Digest{"1.0": digA, "2.0": digB}),
		},
	}}
	tgtRRs := []reqresp.ReqResp{{
		ReqEntry: reqresp.ReqEntry{
			Name:   "target api tags",
			Method: "GET",
			Path:   "/acr/v1/app/api/_tags",
		},
		RespEntry: reqresp.RespEntry{
			Status: http.StatusOK,
			Body:   tagBody("teamtgt", "app/api", map[string]digest.Digest{"1.0": digA}),
		},
	}}
	tsSrc := httptest.NewServer(reqresp.NewHandler(t, srcRRs))
	defer tsSrc.Close()
	tsTgt := httptest.NewServer(reqresp.NewHandler(t, tgtRRs))
	defer tsTgt.Close()

	confPath := filepath.Join(t.TempDir(), "sync.yml")
	confBytes := fmt.Sprintf(`
version: 1
creds:
  - registry: teamsrc
    hostname: %s
    tls: disabled
  - registry: teamtgt
    hostname: %s
    tls: disabled
defaults:
  skipDockerConfig: true
transfer:
  - source: teamsrc
    target: teamtgt
`, tsHost(tsSrc), tsHost(tsTgt))
	if err := os.WriteFile(confPath, []byte(confBytes), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	// the repository flag bypasses the catalog, the servers have no catalog entry
	out := &bytes.Buffer{}
	cmd := NewRootCmd()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"check", "-c", confPath, "--repository", "app/api", "-v", "warn"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	// stdout is not a terminal under go test, the report defaults to json
	rep := struct {
		DryRun   bool `json:"dryRun"`
		Migrated int  `json:"migrated"`
		Retagged int  `json:"retagged"`
		Skipped  int  `json:"skipped"`
		Failed   int  `json:"failed"`
	}{}
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("failed to parse report %q: %v", out.String(), err)
	}
	if !rep.DryRun {
		t.Errorf("report did not record the dry run")
	}
	if rep.Migrated != 1 || rep.Skipped != 1 || rep.Failed != 0 {
		t.Errorf("unexpected report: %+v", rep)
	}
}
