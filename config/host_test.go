package config

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v2"
)

func TestHostNewName(t *testing.T) {
	t.Parallel()
	tt := []struct {
		name           string
		host           string
		expectName     string
		expectHostname string
	}{
		{
			name:           "bare registry name",
			host:           "teamsrc",
			expectName:     "teamsrc",
			expectHostname: "teamsrc" + AzureRegistrySuffix,
		},
		{
			name:           "login server",
			host:           "teamsrc.azurecr.io",
			expectName:     "teamsrc.azurecr.io",
			expectHostname: "teamsrc.azurecr.io",
		},
		{
			name:           "host with port",
			host:           "localhost:5000",
			expectName:     "localhost:5000",
			expectHostname: "localhost:5000",
		},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			h := HostNewName(tc.host)
			if h.Name != tc.expectName {
				t.Errorf("name mismatch, expected %s, found %s", tc.expectName, h.Name)
			}
			if h.Hostname != tc.expectHostname {
				t.Errorf("hostname mismatch, expected %s, found %s", tc.expectHostname, h.Hostname)
			}
			if h.TLS != TLSEnabled {
				t.Errorf("TLS default mismatch, expected enabled")
			}
		})
	}
}

func TestTLSConf(t *testing.T) {
	t.Parallel()
	tt := []struct {
		name      string
		in        string
		expect    TLSConf
		expectErr bool
	}{
		{name: "enabled", in: "enabled", expect: TLSEnabled},
		{name: "insecure", in: "insecure", expect: TLSInsecure},
		{name: "disabled", in: "disabled", expect: TLSDisabled},
		{name: "empty", in: "", expect: TLSUndefined},
		{name: "unknown", in: "bogus", expectErr: true},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			var tls TLSConf
			err := tls.UnmarshalText([]byte(tc.in))
			if tc.expectErr {
				if err == nil {
					t.Errorf("unmarshal did not fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if tls != tc.expect {
				t.Errorf("value mismatch, expected %d, found %d", tc.expect, tls)
			}
			out, err := tls.MarshalText()
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(out) != tc.in {
				t.Errorf("marshal round trip mismatch, expected %s, found %s", tc.in, out)
			}
		})
	}
}

func TestHostParse(t *testing.T) {
	t.Parallel()
	exJSON := `
	{
		"tls": "insecure",
		"hostname": "teamsrc.azurecr.io",
		"user": "puller",
		"pass": "secret",
		"subscription": "00000000-1111-2222-3333-444444444444"
	}
	`
	exYAML := `
registry: teamsrc
hostname: teamsrc.azurecr.io
tls: disabled
token: t0ken
resourceId: /subscriptions/sub/resourceGroups/rg/providers/Microsoft.ContainerRegistry/registries/teamsrc
`
	var hJSON, hYAML Host
	if err := json.Unmarshal([]byte(exJSON), &hJSON); err != nil {
		t.Fatalf("failed unmarshaling json host: %v", err)
	}
	if err := yaml.Unmarshal([]byte(exYAML), &hYAML); err != nil {
		t.Fatalf("failed unmarshaling yaml host: %v", err)
	}
	if hJSON.TLS != TLSInsecure {
		t.Errorf("json tls mismatch, expected insecure")
	}
	if hJSON.User != "puller" || hJSON.Pass != "secret" {
		t.Errorf("json cred mismatch, found %s/%s", hJSON.User, hJSON.Pass)
	}
	if hJSON.Subscription != "00000000-1111-2222-3333-444444444444" {
		t.Errorf("json subscription mismatch, found %s", hJSON.Subscription)
	}
	if hYAML.Name != "teamsrc" {
		t.Errorf("yaml registry name mismatch, found %s", hYAML.Name)
	}
	if hYAML.TLS != TLSDisabled {
		t.Errorf("yaml tls mismatch, expected disabled")
	}
	if hYAML.Token != "t0ken" {
		t.Errorf("yaml token mismatch, found %s", hYAML.Token)
	}
	if hYAML.ResourceID == "" {
		t.Errorf("yaml resourceId missing")
	}
}

func TestHostMerge(t *testing.T) {
	t.Parallel()
	base := *HostNewName("teamsrc")
	update := Host{
		User:         "pusher",
		Pass:         "secret2",
		TLS:          TLSInsecure,
		Subscription: "11111111-2222-3333-4444-555555555555",
	}
	if err := base.Merge(update, nil); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if base.Name != "teamsrc" {
		t.Errorf("merge changed name, found %s", base.Name)
	}
	if base.Hostname != "teamsrc"+AzureRegistrySuffix {
		t.Errorf("merge lost hostname, found %s", base.Hostname)
	}
	if base.User != "pusher" || base.Pass != "secret2" {
		t.Errorf("merge cred mismatch, found %s/%s", base.User, base.Pass)
	}
	if base.TLS != TLSInsecure {
		t.Errorf("merge tls mismatch")
	}
	if base.Subscription != update.Subscription {
		t.Errorf("merge subscription mismatch, found %s", base.Subscription)
	}

	// second merge overrides with a warning but keeps unset fields
	second := Host{User: "replacer"}
	if err := base.Merge(second, nil); err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if base.User != "replacer" {
		t.Errorf("second merge user mismatch, found %s", base.User)
	}
	if base.Pass != "secret2" {
		t.Errorf("second merge lost pass")
	}
}
