// Package regapi implements the registry data plane and Azure management
// plane operations used to mirror repositories between container registries.
package regapi

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/acrsync/acrsync/config"
	"github.com/acrsync/acrsync/internal/auth"
	"github.com/acrsync/acrsync/internal/reghttp"
	"github.com/acrsync/acrsync/internal/version"
	"github.com/acrsync/acrsync/types"
	dockercfg "github.com/docker/cli/cli/config"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultUserAgent sets the header on http requests
	DefaultUserAgent = "acrsync/acrsync"
	// DefaultManagementEndpoint is the resource manager endpoint for the public cloud
	DefaultManagementEndpoint = "https://management.azure.com"
	// api versions sent on the management plane requests
	apiVersionRegistries = "2019-05-01"
	apiVersionPipelines  = "2019-12-01-preview"
	// page size for the catalog and tag listing APIs
	listPageSize = 100
	// errBodyLimit caps how much of an error response is read for detail
	errBodyLimit = 4096
)

// Client executes registry and management plane requests
type Client struct {
	hosts        map[string]*config.Host
	hcs          map[string]*hostClient
	mgmtEndpoint string
	mgmtURL      *url.URL
	mgmtRH       *reghttp.Client
	storageRH    *reghttp.Client
	subscription string
	azToken      string
	retryLimit   int
	delayInit    time.Duration
	delayMax     time.Duration
	userAgent    string
	log          *logrus.Logger
	mu           sync.Mutex
	resourceIDs  map[string]string
}

// hostClient pairs host settings with a request runner for that host
type hostClient struct {
	config *config.Host
	rh     *reghttp.Client
}

// Opt functions are used to configure New
type Opt func(*Client)

// New returns a client for the registry and management plane APIs
func New(opts ...Opt) *Client {
	c := &Client{
		hosts:        map[string]*config.Host{},
		hcs:          map[string]*hostClient{},
		resourceIDs:  map[string]string{},
		mgmtEndpoint: DefaultManagementEndpoint,
		userAgent:    DefaultUserAgent,
		retryLimit:   3,
		delayInit:    time.Second,
		delayMax:     time.Second * 30,
		// logging is disabled by default
		log: &logrus.Logger{Out: io.Discard},
	}
	info := version.GetInfo()
	if info.VCSTag != "" {
		c.userAgent = fmt.Sprintf("%s (%s)", c.userAgent, info.VCSTag)
	} else if info.VCSRef != "" {
		c.userAgent = fmt.Sprintf("%s (%s)", c.userAgent, info.VCSRef)
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log.Debug("regapi client initialized")

	return c
}

// WithAzureToken sets the bearer token sent to the management plane
func WithAzureToken(token string) Opt {
	return func(c *Client) {
		c.azToken = token
	}
}

// WithConfigHost adds a single config host entry
func WithConfigHost(configHost config.Host) Opt {
	return WithConfigHosts([]config.Host{configHost})
}

// WithConfigHosts adds a list of config host settings
func WithConfigHosts(configHosts []config.Host) Opt {
	return func(c *Client) {
		for _, configHost := range configHosts {
			if configHost.Name == "" {
				continue
			}
			tls, _ := configHost.TLS.MarshalText()
			c.log.WithFields(logrus.Fields{
				"name":     configHost.Name,
				"user":     configHost.User,
				"hostname": configHost.Hostname,
				"tls":      string(tls),
			}).Debug("Loading host config")
			err := c.hostSet(configHost)
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"host":  configHost.Name,
					"user":  configHost.User,
					"error": err,
				}).Warn("Failed to update host config")
			}
		}
	}
}

// WithDockerCreds adds configuration from the user's docker config with registry logins
// This changes the default value from the config file, and should be added after the config file is loaded
func WithDockerCreds() Opt {
	return func(c *Client) {
		err := c.loadDockerCreds()
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"err": err,
			}).Warn("Failed to load docker creds")
		}
	}
}

// WithLog overrides the default logrus Logger
func WithLog(log *logrus.Logger) Opt {
	return func(c *Client) {
		c.log = log
	}
}

// WithManagement overrides the management plane endpoint, used for sovereign
// clouds and testing
func WithManagement(endpoint string) Opt {
	return func(c *Client) {
		if endpoint != "" {
			c.mgmtEndpoint = endpoint
		}
	}
}

// WithRetryDelay specifies the time permitted for retry delays
func WithRetryDelay(delayInit, delayMax time.Duration) Opt {
	return func(c *Client) {
		c.delayInit = delayInit
		c.delayMax = delayMax
	}
}

// WithRetryLimit specifies the number of attempts for failing requests
func WithRetryLimit(retryLimit int) Opt {
	return func(c *Client) {
		if retryLimit > 0 {
			c.retryLimit = retryLimit
		}
	}
}

// WithSubscription sets the default subscription searched for registries
func WithSubscription(id string) Opt {
	return func(c *Client) {
		c.subscription = id
	}
}

// WithUserAgent specifies the User-Agent http header
func WithUserAgent(ua string) Opt {
	return func(c *Client) {
		c.userAgent = ua
	}
}

func (c *Client) loadDockerCreds() error {
	conffile := dockercfg.LoadDefaultConfigFile(os.Stderr)
	creds, err := conffile.GetAllCredentials()
	if err != nil {
		return fmt.Errorf("failed to load docker creds: %w", err)
	}
	for name, cred := range creds {
		if (cred.Username == "" || cred.Password == "") && cred.IdentityToken == "" {
			c.log.WithFields(logrus.Fields{
				"name": name,
			}).Debug("Docker cred: skipping empty pass and token")
			continue
		}
		// handle names with a scheme included (https://registry.example.com)
		tlsConf := config.TLSEnabled
		if i := strings.Index(name, "://"); i > 0 {
			scheme := name[:i]
			if name == cred.ServerAddress {
				cred.ServerAddress = name[i+3:]
			}
			name = name[i+3:]
			if scheme == "http" {
				tlsConf = config.TLSDisabled
			}
		}
		if cred.ServerAddress == "" {
			cred.ServerAddress = name
		}
		c.log.WithFields(logrus.Fields{
			"name":      name,
			"host":      cred.ServerAddress,
			"user":      cred.Username,
			"pass-set":  cred.Password != "",
			"token-set": cred.IdentityToken != "",
		}).Debug("Loading docker cred")
		err = c.hostSet(config.Host{
			Name:     name,
			Hostname: cred.ServerAddress,
			TLS:      tlsConf,
			User:     cred.Username,
			Pass:     cred.Password,
			Token:    cred.IdentityToken,
		})
		if err != nil {
			// treat each of these as non-fatal
			c.log.WithFields(logrus.Fields{
				"registry": name,
				"user":     cred.Username,
				"error":    err,
			}).Warn("Failed to use docker credential")
		}
	}
	return nil
}

func (c *Client) hostSet(newHost config.Host) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := newHost.Name
	var err error
	if _, ok := c.hosts[name]; !ok {
		// merge newHost with default host settings
		c.hosts[name] = config.HostNewName(name)
		err = c.hosts[name].Merge(newHost, nil)
	} else {
		// merge newHost with existing settings
		err = c.hosts[name].Merge(newHost, c.log)
	}
	return err
}

// host returns the settings for a registry, creating defaults when unknown.
// Lookups match the configured name first and the login server second.
func (c *Client) host(name string) *config.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostLocked(name)
}

func (c *Client) hostLocked(name string) *config.Host {
	if h, ok := c.hosts[name]; ok {
		return h
	}
	for _, h := range c.hosts {
		if h.Hostname == name {
			return h
		}
	}
	h := config.HostNewName(name)
	c.hosts[name] = h
	return h
}

// hc returns the request runner for a registry, building the http client and
// auth handler on first use
func (c *Client) hc(registry string) (*hostClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	host := c.hostLocked(registry)
	if hcl, ok := c.hcs[host.Name]; ok {
		return hcl, nil
	}
	httpClient, err := c.httpClientFor(host)
	if err != nil {
		return nil, err
	}
	a := auth.NewAuth(
		auth.WithLog(c.log),
		auth.WithHTTPClient(httpClient),
		auth.WithClientID(c.userAgent),
		auth.WithCreds(func(h string) auth.Cred {
			return auth.Cred{User: host.User, Password: host.Pass, Token: host.Token}
		}),
	)
	hcl := &hostClient{
		config: host,
		rh: reghttp.New(
			reghttp.WithAuth(a),
			reghttp.WithHTTPClient(httpClient),
			reghttp.WithLog(c.log),
			reghttp.WithLimit(c.retryLimit),
			reghttp.WithDelay(c.delayInit, c.delayMax),
			reghttp.WithUserAgent(c.userAgent),
		),
	}
	c.hcs[host.Name] = hcl
	return hcl, nil
}

func (c *Client) httpClientFor(host *config.Host) (*http.Client, error) {
	httpClient := &http.Client{}
	if host.TLS == config.TLSInsecure || host.RegCert != "" {
		tlsConf := &tls.Config{}
		if host.TLS == config.TLSInsecure {
			tlsConf.InsecureSkipVerify = true
		}
		if host.RegCert != "" {
			pool, err := x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
			if !pool.AppendCertsFromPEM([]byte(host.RegCert)) {
				return nil, fmt.Errorf("failed to parse regcert for %s: %w", host.Name, types.ErrInvalidInput)
			}
			tlsConf.RootCAs = pool
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return httpClient, nil
}

// hostURL builds a data plane url for a path on the registry
func (hc *hostClient) hostURL(path string) url.URL {
	scheme := "https"
	if hc.config.TLS == config.TLSDisabled {
		scheme = "http"
	}
	return url.URL{
		Scheme: scheme,
		Host:   hc.config.Hostname,
		Path:   path,
	}
}

// staticAuth attaches a fixed bearer token, used for the management plane
// where tokens are issued out of band
type staticAuth struct {
	token string
}

func (s staticAuth) UpdateRequest(req *http.Request) error {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return nil
}

func (s staticAuth) HandleResponse(resp *http.Response) error {
	// a fixed token cannot be refreshed
	return types.ErrUnauthorized
}

// mgmt returns the request runner and base url for the management plane
func (c *Client) mgmt() (*reghttp.Client, *url.URL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mgmtRH != nil {
		return c.mgmtRH, c.mgmtURL, nil
	}
	u, err := url.Parse(c.mgmtEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, nil, fmt.Errorf("failed to parse management endpoint %s: %w", c.mgmtEndpoint, types.ErrInvalidInput)
	}
	c.mgmtURL = u
	c.mgmtRH = reghttp.New(
		reghttp.WithAuth(staticAuth{token: c.azToken}),
		reghttp.WithLog(c.log),
		reghttp.WithLimit(c.retryLimit),
		reghttp.WithDelay(c.delayInit, c.delayMax),
		reghttp.WithUserAgent(c.userAgent),
	)
	return c.mgmtRH, c.mgmtURL, nil
}

// storage returns the request runner for storage account requests, which
// carry their authorization in the SAS query
func (c *Client) storage() *reghttp.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storageRH == nil {
		c.storageRH = reghttp.New(
			reghttp.WithLog(c.log),
			reghttp.WithLimit(c.retryLimit),
			reghttp.WithDelay(c.delayInit, c.delayMax),
			reghttp.WithUserAgent(c.userAgent),
		)
	}
	return c.storageRH
}
