package main

import (
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/acrsync/acrsync/config"
	"github.com/acrsync/acrsync/pkg/template"
	"github.com/acrsync/acrsync/types"
)

// environment variable read for the management token when azure.token is unset
const defaultTokenEnv = "AZURE_ACCESS_TOKEN"

// Config is the parsed configuration file for acrsync
type Config struct {
	Version  int              `yaml:"version" json:"version"`
	Creds    []config.Host    `yaml:"creds" json:"creds"`
	Defaults ConfigDefaults   `yaml:"defaults" json:"defaults"`
	Azure    ConfigAzure      `yaml:"azure" json:"azure"`
	Transfer []ConfigTransfer `yaml:"transfer" json:"transfer"`
}

// ConfigAzure holds the management plane settings shared by every step
type ConfigAzure struct {
	Management   string `yaml:"management" json:"management"`
	Subscription string `yaml:"subscription" json:"subscription"`
	Token        string `yaml:"token" json:"token"`
	TokenEnv     string `yaml:"tokenEnv" json:"tokenEnv"`
}

// ConfigDefaults is used for general options and defaults for ConfigTransfer entries
type ConfigDefaults struct {
	Parallel        int           `yaml:"parallel" json:"parallel"`
	Concurrency     int           `yaml:"concurrency" json:"concurrency"`
	Delay           time.Duration `yaml:"delay" json:"delay"`
	Interval        time.Duration `yaml:"interval" json:"interval"`
	Schedule        string        `yaml:"schedule" json:"schedule"`
	MaxRepositories int           `yaml:"maxRepositories" json:"maxRepositories"`
	SkipDockerConf  bool          `yaml:"skipDockerConfig" json:"skipDockerConfig"`
	UserAgent       string        `yaml:"userAgent" json:"userAgent"`
}

// ConfigTransfer defines a source/target registry pair to sync
type ConfigTransfer struct {
	Source          string        `yaml:"source" json:"source"`
	Target          string        `yaml:"target" json:"target"`
	Repository      string        `yaml:"repository" json:"repository"`
	Letters         string        `yaml:"letters" json:"letters"`
	Ignore          []string      `yaml:"ignore" json:"ignore"`
	IgnoreConfig    string        `yaml:"ignoreConfig" json:"ignoreConfig"`
	MaxRepositories int           `yaml:"maxRepositories" json:"maxRepositories"`
	Force           bool          `yaml:"force" json:"force"`
	Delay           time.Duration `yaml:"delay" json:"delay"`
	Interval        time.Duration `yaml:"interval" json:"interval"`
	Schedule        string        `yaml:"schedule" json:"schedule"`
}

// ConfigNew creates an empty configuration
func ConfigNew() *Config {
	c := Config{
		Creds:    []config.Host{},
		Transfer: []ConfigTransfer{},
	}
	return &c
}

// ConfigLoadReader reads the config from an io.Reader
func ConfigLoadReader(r io.Reader) (*Config, error) {
	c := ConfigNew()
	if err := yaml.NewDecoder(r).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	// verify loaded version is not higher than supported version
	if c.Version > 1 {
		return c, types.ErrUnsupportedConfigVersion
	}
	if c.Azure.TokenEnv == "" {
		c.Azure.TokenEnv = defaultTokenEnv
	}
	// apply defaults to each step
	for i := range c.Transfer {
		transferSetDefaults(&c.Transfer[i], c.Defaults)
	}
	err := configExpandTemplates(c)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigLoadFile loads the config from a specified filename
func ConfigLoadFile(filename string) (*Config, error) {
	_, err := os.Stat(filename)
	if err == nil {
		file, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		c, err := ConfigLoadReader(file)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, err
}

// ConfigWrite outputs the processed config
func ConfigWrite(c *Config, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// expand templates in various parts of the config
func configExpandTemplates(c *Config) error {
	for i := range c.Creds {
		val, err := template.String(c.Creds[i].Name, nil)
		if err != nil {
			return err
		}
		c.Creds[i].Name = val
		val, err = template.String(c.Creds[i].User, nil)
		if err != nil {
			return err
		}
		c.Creds[i].User = val
		val, err = template.String(c.Creds[i].Pass, nil)
		if err != nil {
			return err
		}
		c.Creds[i].Pass = val
		val, err = template.String(c.Creds[i].Token, nil)
		if err != nil {
			return err
		}
		c.Creds[i].Token = val
		val, err = template.String(c.Creds[i].RegCert, nil)
		if err != nil {
			return err
		}
		c.Creds[i].RegCert = val
	}
	val, err := template.String(c.Azure.Subscription, nil)
	if err != nil {
		return err
	}
	c.Azure.Subscription = val
	val, err = template.String(c.Azure.Token, nil)
	if err != nil {
		return err
	}
	c.Azure.Token = val
	for i := range c.Transfer {
		val, err := template.String(c.Transfer[i].Source, nil)
		if err != nil {
			return err
		}
		c.Transfer[i].Source = val
		val, err = template.String(c.Transfer[i].Target, nil)
		if err != nil {
			return err
		}
		c.Transfer[i].Target = val
		val, err = template.String(c.Transfer[i].Repository, nil)
		if err != nil {
			return err
		}
		c.Transfer[i].Repository = val
	}
	return nil
}

// updates a transfer entry with defaults
func transferSetDefaults(s *ConfigTransfer, d ConfigDefaults) {
	if s.Schedule == "" && d.Schedule != "" {
		s.Schedule = d.Schedule
	}
	if s.Interval == 0 && s.Schedule == "" && d.Interval != 0 {
		s.Interval = d.Interval
	}
	if s.Delay == 0 && d.Delay != 0 {
		s.Delay = d.Delay
	}
	if s.MaxRepositories == 0 && d.MaxRepositories != 0 {
		s.MaxRepositories = d.MaxRepositories
	}
}
