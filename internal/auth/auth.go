// Package auth handles the authentication challenges returned by registries.
// Basic and bearer challenges are supported, including the refresh token
// grant used by Azure registries when an identity token is configured.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/acrsync/acrsync/types"
	"github.com/sirupsen/logrus"
)

var defaultClientID = "acrsync"

// minTokenLife tokens are required to last at least 60 seconds to support older docker clients
var minTokenLife = 60

// CredsFn is passed to lookup credentials for a given hostname, response is a username and password or empty strings
type CredsFn func(string) Cred

// Cred is returned by the CredsFn. Token is an identity token exchanged for
// an access token with the refresh token grant.
type Cred struct {
	User, Password, Token string
}

// Auth manages authorization requests/responses for http requests
type Auth interface {
	HandleResponse(*http.Response) error
	UpdateRequest(*http.Request) error
}

// challenge is the extracted contents of the WWW-Authenticate header
type challenge struct {
	authType string
	params   map[string]string
}

// handler turns a processed challenge into an Authorization header
type handler interface {
	ProcessChallenge(challenge) error
	GenerateAuth() (string, error)
}

// Opts configures options for NewAuth
type Opts func(*auth)

type auth struct {
	httpClient *http.Client
	clientID   string
	credsFn    CredsFn
	hs         map[string]map[string]handler // handlers by host and authType
	authTypes  []string
	log        *logrus.Logger
	mu         sync.Mutex
}

// NewAuth creates a new Auth
func NewAuth(opts ...Opts) Auth {
	a := &auth{
		httpClient: &http.Client{},
		clientID:   defaultClientID,
		credsFn:    DefaultCredsFn,
		hs:         map[string]map[string]handler{},
		authTypes:  []string{"basic", "bearer"},
	}
	a.log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.WarnLevel,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// WithCreds provides a user/pass lookup for a url
func WithCreds(f CredsFn) Opts {
	return func(a *auth) {
		if f != nil {
			a.credsFn = f
		}
	}
}

// WithHTTPClient uses a specific http client with requests
func WithHTTPClient(h *http.Client) Opts {
	return func(a *auth) {
		if h != nil {
			a.httpClient = h
		}
	}
}

// WithClientID uses a client ID with request headers
func WithClientID(clientID string) Opts {
	return func(a *auth) {
		a.clientID = clientID
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(a *auth) {
		a.log = log
	}
}

// HandleResponse parses a 401 response and updates the auth handler for the
// requested host so the next attempt can succeed
func (a *auth) HandleResponse(resp *http.Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// verify response is an access denied
	if resp.StatusCode != http.StatusUnauthorized {
		return ErrUnsupported
	}

	// identify host for the request
	host := resp.Request.URL.Host
	// parse WWW-Authenticate header
	cl, err := parseAuthHeaders(resp.Header.Values("WWW-Authenticate"))
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"challenge": cl,
	}).Debug("Auth request parsed")
	if len(cl) < 1 {
		return types.ErrEmptyChallenge
	}
	goodChallenge := false
	for _, c := range cl {
		if _, ok := a.hs[host]; !ok {
			a.hs[host] = map[string]handler{}
		}
		h, ok := a.hs[host][c.authType]
		if !ok {
			h = a.newHandler(c.authType, host)
			if h == nil {
				a.log.WithFields(logrus.Fields{
					"authtype": c.authType,
				}).Warn("Unsupported auth type")
				continue
			}
			a.hs[host][c.authType] = h
		}
		err := h.ProcessChallenge(c)
		if err == nil {
			goodChallenge = true
		} else if err == ErrNoNewChallenge {
			// handle race condition when another request updates the challenge
			// detect that by seeing the current auth header is different
			prevAH := resp.Request.Header.Get("Authorization")
			ah, err := h.GenerateAuth()
			if err == nil && prevAH != ah {
				goodChallenge = true
			}
		} else {
			return err
		}
	}
	if !goodChallenge {
		return types.ErrUnauthorized
	}

	return nil
}

// UpdateRequest adds the Authorization header for the requested host when a
// handler is available, and is a noop for unknown hosts
func (a *auth) UpdateRequest(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	host := req.URL.Host
	if a.hs[host] == nil {
		return nil
	}
	var err error
	var ah string
	for _, at := range a.authTypes {
		if a.hs[host][at] != nil {
			ah, err = a.hs[host][at].GenerateAuth()
			if err != nil {
				a.log.WithFields(logrus.Fields{
					"err":      err,
					"host":     host,
					"authtype": at,
				}).Debug("Failed to generate auth")
				continue
			}
			req.Header.Set("Authorization", ah)
			break
		}
	}
	return err
}

func (a *auth) newHandler(authType, host string) handler {
	switch authType {
	case "basic":
		return &basicHandler{cred: a.credsFn(host)}
	case "bearer":
		return &bearerHandler{
			client:   a.httpClient,
			clientID: a.clientID,
			cred:     a.credsFn(host),
			scopes:   []string{},
		}
	}
	return nil
}

// DefaultCredsFn is used to return no credentials when auth is not configured with a CredsFn
// This avoids the need to check for nil pointers
func DefaultCredsFn(h string) Cred {
	return Cred{}
}

// parseAuthHeaders extracts the challenges from a set of WWW-Authenticate headers
func parseAuthHeaders(ahl []string) ([]challenge, error) {
	cl := []challenge{}
	for _, ah := range ahl {
		c, err := parseAuthHeader(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to parse challenge header \"%s\": %w", ah, err)
		}
		cl = append(cl, c...)
	}
	return cl, nil
}

// parseAuthHeader parses a single WWW-Authenticate header, which may contain
// more than one challenge
// Example values:
// Bearer realm="https://sample.azurecr.io/oauth2/token",service="sample.azurecr.io",scope="registry:catalog:*"
// Basic realm="GitHub Package Registry"
func parseAuthHeader(ah string) ([]challenge, error) {
	var cl []challenge
	var cur *challenge
	i := 0

	skipSpace := func() {
		for i < len(ah) && (ah[i] == ' ' || ah[i] == '\t') {
			i++
		}
	}
	// token reads up to the next space, comma, equals, or quote
	token := func() string {
		start := i
		for i < len(ah) && ah[i] != ' ' && ah[i] != '\t' && ah[i] != ',' && ah[i] != '=' && ah[i] != '"' {
			i++
		}
		return ah[start:i]
	}
	// quoted reads to the closing quote, honoring backslash escapes
	quoted := func() (string, error) {
		var sb strings.Builder
		i++
		for i < len(ah) {
			switch ah[i] {
			case '\\':
				i++
				if i >= len(ah) {
					return "", ErrParseFailure
				}
				sb.WriteByte(ah[i])
				i++
			case '"':
				i++
				return sb.String(), nil
			default:
				sb.WriteByte(ah[i])
				i++
			}
		}
		return "", ErrParseFailure
	}

	for {
		skipSpace()
		if i >= len(ah) {
			break
		}
		if ah[i] == ',' {
			i++
			continue
		}
		word := token()
		if word == "" {
			return nil, ErrParseFailure
		}
		if i < len(ah) && ah[i] == '=' {
			// key=value pair for the current challenge
			if cur == nil {
				return nil, ErrParseFailure
			}
			i++
			var val string
			var err error
			if i < len(ah) && ah[i] == '"' {
				val, err = quoted()
				if err != nil {
					return nil, err
				}
			} else {
				start := i
				for i < len(ah) && ah[i] != ' ' && ah[i] != '\t' && ah[i] != ',' {
					i++
				}
				val = ah[start:i]
			}
			cur.params[strings.ToLower(word)] = val
		} else {
			// anything else starts a new challenge
			cl = append(cl, challenge{authType: strings.ToLower(word), params: map[string]string{}})
			cur = &cl[len(cl)-1]
		}
	}

	return cl, nil
}

// basicHandler supports Basic auth type requests
type basicHandler struct {
	realm string
	cred  Cred
}

// ProcessChallenge for basicHandler verifies a realm was included
func (b *basicHandler) ProcessChallenge(c challenge) error {
	if _, ok := c.params["realm"]; !ok {
		return types.ErrInvalidChallenge
	}
	if b.realm != c.params["realm"] {
		b.realm = c.params["realm"]
		return nil
	}
	return ErrNoNewChallenge
}

// GenerateAuth for basicHandler generates base64 encoded user/pass for a host
func (b *basicHandler) GenerateAuth() (string, error) {
	if b.cred.User == "" || b.cred.Password == "" {
		return "", types.ErrNotFound
	}
	auth := base64.StdEncoding.EncodeToString([]byte(b.cred.User + ":" + b.cred.Password))
	return fmt.Sprintf("Basic %s", auth), nil
}

// bearerHandler supports Bearer auth type requests
type bearerHandler struct {
	client         *http.Client
	clientID       string
	realm, service string
	cred           Cred
	scopes         []string
	token          bearerToken
}

// bearerToken is the json response to the Bearer request
type bearerToken struct {
	Token        string    `json:"token"`
	AccessToken  string    `json:"access_token"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope"`
}

// ProcessChallenge handles WWW-Authenticate header for bearer tokens
// Bearer realm="https://sample.azurecr.io/oauth2/token",service="sample.azurecr.io",scope="registry:catalog:*"
func (b *bearerHandler) ProcessChallenge(c challenge) error {
	if _, ok := c.params["realm"]; !ok {
		return types.ErrInvalidChallenge
	}
	if _, ok := c.params["service"]; !ok {
		c.params["service"] = ""
	}
	if _, ok := c.params["scope"]; !ok {
		c.params["scope"] = ""
	}

	existingScope := b.scopeExists(c.params["scope"])

	if b.realm == c.params["realm"] && b.service == c.params["service"] && existingScope && (b.token.Token == "" || !b.isExpired()) {
		return ErrNoNewChallenge
	}

	if b.realm == "" {
		b.realm = c.params["realm"]
	} else if b.realm != c.params["realm"] {
		return types.ErrInvalidChallenge
	}
	if b.service == "" {
		b.service = c.params["service"]
	} else if b.service != c.params["service"] {
		return types.ErrInvalidChallenge
	}
	if !existingScope {
		b.scopes = append(b.scopes, c.params["scope"])
	}

	// delete any scope specific token
	b.token.Token = ""

	return nil
}

// GenerateAuth for bearerHandler fetches a token when the cached one expired
func (b *bearerHandler) GenerateAuth() (string, error) {
	// if unexpired token already exists, return it
	if b.token.Token != "" && !b.isExpired() {
		return fmt.Sprintf("Bearer %s", b.token.Token), nil
	}

	// attempt to post with oauth form, this also uses refresh and identity tokens
	if err := b.tryPost(); err == nil {
		return fmt.Sprintf("Bearer %s", b.token.Token), nil
	} else if err != types.ErrUnauthorized {
		return "", err
	}

	// attempt a get (with basic auth if user/pass available)
	if err := b.tryGet(); err == nil {
		return fmt.Sprintf("Bearer %s", b.token.Token), nil
	} else if err != types.ErrUnauthorized {
		return "", err
	}

	return "", types.ErrUnauthorized
}

// returns true when token issue date is either 0 or token is expired
func (b *bearerHandler) isExpired() bool {
	if b.token.IssuedAt.IsZero() {
		return true
	}
	return !time.Now().Before(b.token.IssuedAt.Add(time.Duration(b.token.ExpiresIn) * time.Second))
}

func (b *bearerHandler) tryGet() error {
	req, err := http.NewRequest("GET", b.realm, nil)
	if err != nil {
		return err
	}

	reqParams := req.URL.Query()
	reqParams.Add("client_id", b.clientID)
	reqParams.Add("offline_token", "true")
	if b.service != "" {
		reqParams.Add("service", b.service)
	}

	for _, s := range b.scopes {
		reqParams.Add("scope", s)
	}

	if b.cred.User != "" && b.cred.Password != "" {
		reqParams.Add("account", b.cred.User)
		req.SetBasicAuth(b.cred.User, b.cred.Password)
	}

	req.Header.Set("User-Agent", b.clientID)
	req.URL.RawQuery = reqParams.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return b.validateResponse(resp)
}

func (b *bearerHandler) tryPost() error {
	form := url.Values{}
	if len(b.scopes) > 0 {
		form.Set("scope", strings.Join(b.scopes, " "))
	}
	if b.service != "" {
		form.Set("service", b.service)
	}
	form.Set("client_id", b.clientID)
	refresh := b.token.RefreshToken
	if refresh == "" {
		refresh = b.cred.Token
	}
	if refresh != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refresh)
	} else if b.cred.User != "" && b.cred.Password != "" {
		form.Set("grant_type", "password")
		form.Set("username", b.cred.User)
		form.Set("password", b.cred.Password)
	} else {
		// nothing to post without a token or credentials
		return types.ErrUnauthorized
	}

	req, err := http.NewRequest("POST", b.realm, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("User-Agent", b.clientID)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return b.validateResponse(resp)
}

// check if the scope already exists within the list of scopes
func (b *bearerHandler) scopeExists(search string) bool {
	if search == "" {
		return true
	}
	for _, scope := range b.scopes {
		if scope == search {
			return true
		}
	}
	return false
}

func (b *bearerHandler) validateResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return types.ErrUnauthorized
	}

	decoder := json.NewDecoder(resp.Body)

	if err := decoder.Decode(&b.token); err != nil {
		return err
	}

	if b.token.ExpiresIn < minTokenLife {
		b.token.ExpiresIn = minTokenLife
	}

	if b.token.IssuedAt.IsZero() {
		b.token.IssuedAt = time.Now().UTC()
	}

	// AccessToken and Token should be the same and we use Token elsewhere
	if b.token.AccessToken != "" {
		b.token.Token = b.token.AccessToken
	}

	return nil
}
