// Package config is used for all acrsync registry configuration settings
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// TLSConf specifies whether TLS is enabled for a host
type TLSConf int

const (
	// TLSUndefined indicates TLS is not passed, defaults to Enabled
	TLSUndefined TLSConf = iota
	// TLSEnabled uses TLS (https) for the connection
	TLSEnabled
	// TLSInsecure uses TLS but does not verify CA
	TLSInsecure
	// TLSDisabled does not use TLS (http)
	TLSDisabled
)

// AzureRegistrySuffix is appended to bare registry names to form the login server
const AzureRegistrySuffix = ".azurecr.io"

// MarshalJSON converts to a json string using MarshalText
func (t TLSConf) MarshalJSON() ([]byte, error) {
	s, err := t.MarshalText()
	if err != nil {
		return []byte(""), err
	}
	return json.Marshal(string(s))
}

// MarshalText converts TLSConf to a string
func (t TLSConf) MarshalText() ([]byte, error) {
	var s string
	switch t {
	default:
		s = ""
	case TLSEnabled:
		s = "enabled"
	case TLSInsecure:
		s = "insecure"
	case TLSDisabled:
		s = "disabled"
	}
	return []byte(s), nil
}

// MarshalYAML converts TLSConf to a string for yaml encoding
func (t TLSConf) MarshalYAML() (interface{}, error) {
	s, err := t.MarshalText()
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// UnmarshalJSON converts TLSConf from a json string
func (t *TLSConf) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// UnmarshalText converts TLSConf from a string
func (t *TLSConf) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	default:
		return fmt.Errorf("unknown TLS value \"%s\"", b)
	case "":
		*t = TLSUndefined
	case "enabled":
		*t = TLSEnabled
	case "insecure":
		*t = TLSInsecure
	case "disabled":
		*t = TLSDisabled
	}
	return nil
}

// UnmarshalYAML converts TLSConf from a yaml string
func (t *TLSConf) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// Host struct contains registry specific settings
type Host struct {
	Name         string  `json:"-" yaml:"registry,omitempty"`                   // short registry name, e.g. teamsrc
	TLS          TLSConf `json:"tls,omitempty" yaml:"tls,omitempty"`            // TLS mode for the data plane
	RegCert      string  `json:"regcert,omitempty" yaml:"regcert,omitempty"`    // PEM root certificate for self-hosted registries
	Hostname     string  `json:"hostname,omitempty" yaml:"hostname,omitempty"`  // login server, defaults to name + ".azurecr.io"
	User         string  `json:"user,omitempty" yaml:"user,omitempty"`          // basic auth user
	Pass         string  `json:"pass,omitempty" yaml:"pass,omitempty"`          // basic auth password
	Token        string  `json:"token,omitempty" yaml:"token,omitempty"`        // identity token, used as the password when set
	Subscription string  `json:"subscription,omitempty" yaml:"subscription,omitempty"` // azure subscription id holding the registry
	ResourceID   string  `json:"resourceId,omitempty" yaml:"resourceId,omitempty"`     // explicit resource id, skips resolution when set
}

// HostNew creates a default Host entry
func HostNew() *Host {
	h := Host{
		TLS: TLSEnabled,
	}
	return &h
}

// HostNewName creates a default Host for a registry name. Bare names (no dot
// or port) are given the Azure login server suffix.
func HostNewName(name string) *Host {
	h := Host{
		Name:     name,
		TLS:      TLSEnabled,
		Hostname: name,
	}
	if !strings.ContainsAny(name, ".:") {
		h.Hostname = name + AzureRegistrySuffix
	}
	return &h
}

// Merge adds fields from a new config host entry
func (host *Host) Merge(newHost Host, log *logrus.Logger) error {
	name := newHost.Name
	if name == "" {
		name = host.Name
	}
	if log == nil {
		log = &logrus.Logger{Out: io.Discard}
	}

	if host.Name == "" {
		// only set the name if it's not initialized, this shouldn't normally change
		host.Name = newHost.Name
	}

	if newHost.User != "" {
		if host.User != "" && host.User != newHost.User {
			log.WithFields(logrus.Fields{
				"orig": host.User,
				"new":  newHost.User,
				"host": name,
			}).Warn("Changing login user for registry")
		}
		host.User = newHost.User
	}

	if newHost.Pass != "" {
		if host.Pass != "" && host.Pass != newHost.Pass {
			log.WithFields(logrus.Fields{
				"host": name,
			}).Warn("Changing login password for registry")
		}
		host.Pass = newHost.Pass
	}

	if newHost.Token != "" {
		if host.Token != "" && host.Token != newHost.Token {
			log.WithFields(logrus.Fields{
				"host": name,
			}).Warn("Changing login token for registry")
		}
		host.Token = newHost.Token
	}

	if newHost.TLS != TLSUndefined {
		if host.TLS != TLSUndefined && host.TLS != newHost.TLS {
			tlsOrig, _ := host.TLS.MarshalText()
			tlsNew, _ := newHost.TLS.MarshalText()
			log.WithFields(logrus.Fields{
				"orig": string(tlsOrig),
				"new":  string(tlsNew),
				"host": name,
			}).Warn("Changing TLS settings for registry")
		}
		host.TLS = newHost.TLS
	}

	if newHost.RegCert != "" {
		if host.RegCert != "" && host.RegCert != newHost.RegCert {
			log.WithFields(logrus.Fields{
				"host": name,
			}).Warn("Changing certificate settings for registry")
		}
		host.RegCert = newHost.RegCert
	}

	if newHost.Hostname != "" {
		if host.Hostname != "" && host.Hostname != newHost.Hostname {
			log.WithFields(logrus.Fields{
				"orig": host.Hostname,
				"new":  newHost.Hostname,
				"host": name,
			}).Warn("Changing hostname settings for registry")
		}
		host.Hostname = newHost.Hostname
	}

	if newHost.Subscription != "" {
		if host.Subscription != "" && host.Subscription != newHost.Subscription {
			log.WithFields(logrus.Fields{
				"orig": host.Subscription,
				"new":  newHost.Subscription,
				"host": name,
			}).Warn("Changing subscription for registry")
		}
		host.Subscription = newHost.Subscription
	}

	if newHost.ResourceID != "" {
		if host.ResourceID != "" && host.ResourceID != newHost.ResourceID {
			log.WithFields(logrus.Fields{
				"orig": host.ResourceID,
				"new":  newHost.ResourceID,
				"host": name,
			}).Warn("Changing resource id for registry")
		}
		host.ResourceID = newHost.ResourceID
	}

	return nil
}
