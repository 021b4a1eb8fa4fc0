// Package auth resolves per-registry credentials from Docker-style
// config files and credential helpers, and negotiates bearer tokens
// against a registry's WWW-Authenticate challenge.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	dockercliconfig "github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/cli/cli/config/types"
	dockercredentials "github.com/docker/docker-credential-helpers/client"
	"golang.org/x/sync/singleflight"

	"github.com/krust-build/krust/internal/config"
)

// Credential is what a registry request authenticates with: either a
// username/password pair (used both for HTTP basic auth and as the
// basis of a bearer token exchange) or an identity token. An identity
// token is not sent to the registry directly: it is exchanged at the
// challenge's token endpoint as a refresh token for a bearer token.
type Credential struct {
	Username      string
	Password      string
	IdentityToken string
}

func (c Credential) anonymous() bool {
	return c.Username == "" && c.Password == "" && c.IdentityToken == ""
}

// Resolver loads a Docker config.json once and resolves per-registry
// credentials from it, following the precedence order:
// credHelpers[registry] > credsStore > auths[registry] > anonymous.
// Resolved bearer tokens are cached per (registry, scope) and
// concurrent requests for the same key are coalesced with
// singleflight.
type Resolver struct {
	file   *configfile.ConfigFile
	client *http.Client

	mu         sync.Mutex
	tokens     map[string]string
	tokenGroup singleflight.Group
}

// NewResolver loads the Docker config file honouring the environment
// precedence REGISTRY_AUTH_FILE overrides DOCKER_CONFIG overrides the
// default "~/.docker/config.json" path that dockercliconfig.Load falls
// back to.
func NewResolver(httpClient *http.Client) (*Resolver, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	dir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("auth: locating config file: %w", err)
	}
	cfg, err := dockercliconfig.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("auth: loading config file: %w", err)
	}
	return &Resolver{
		file:   cfg,
		client: httpClient,
		tokens: make(map[string]string),
	}, nil
}

// configDir resolves the directory dockercliconfig.Load should read
// config.json from, applying the REGISTRY_AUTH_FILE > DOCKER_CONFIG >
// default precedence. REGISTRY_AUTH_FILE names a file
// directly (podman/skopeo convention); when its basename is
// "config.json", dockercliconfig is pointed at its parent directory.
// Any other basename is reported as errNonStandardAuthFileName; such a
// file can be read with LoadAuthFile instead.
func configDir() (string, error) {
	if f := os.Getenv("REGISTRY_AUTH_FILE"); f != "" {
		if filepath.Base(f) == "config.json" {
			return filepath.Dir(f), nil
		}
		return "", errNonStandardAuthFileName{path: f}
	}
	if d := config.DockerConfigDir(); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".docker"), nil
}

type errNonStandardAuthFileName struct{ path string }

func (e errNonStandardAuthFileName) Error() string {
	return fmt.Sprintf("auth: REGISTRY_AUTH_FILE %q must be named config.json", e.path)
}

// LoadAuthFile loads a REGISTRY_AUTH_FILE whose basename isn't
// config.json directly, bypassing dockercliconfig.Load's directory
// convention. cmd/krust calls this (with NewResolverFromFile) instead
// of NewResolver when REGISTRY_AUTH_FILE is not named config.json.
func LoadAuthFile(path string) (*configfile.ConfigFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auth: opening %s: %w", path, err)
	}
	defer f.Close()
	cfg := configfile.New(path)
	if err := cfg.LoadFromReader(f); err != nil {
		return nil, fmt.Errorf("auth: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// NewResolverFromFile builds a Resolver around an already-loaded
// config file, used when NewResolver's directory convention can't
// express a non-standard REGISTRY_AUTH_FILE basename.
func NewResolverFromFile(cfg *configfile.ConfigFile, httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Resolver{file: cfg, client: httpClient, tokens: make(map[string]string)}
}

// Credential resolves the credential to use for registry, applying
// the resolver's precedence order.
func (r *Resolver) Credential(registry string) (Credential, error) {
	if helper, ok := r.file.CredentialHelpers[registry]; ok && helper != "" {
		return r.fromHelper(helper, registry)
	}
	if store := r.file.CredentialsStore; store != "" {
		if cred, err := r.fromHelper(store, registry); err == nil && !cred.anonymous() {
			return cred, nil
		}
	}
	if ac, ok := r.file.AuthConfigs[registry]; ok {
		return fromAuthConfig(ac), nil
	}
	return Credential{}, nil
}

// fromHelper shells out to a docker-credential-<helper> binary for
// registry. Any failure — not found, a non-zero exit, a malformed
// response — falls back to an anonymous credential rather than
// surfacing a hard error: a credential helper that can't answer for a
// registry is no different from one that has no entry for it.
func (r *Resolver) fromHelper(helper, registry string) (Credential, error) {
	program := dockercredentials.NewShellProgramFunc("docker-credential-" + helper)
	creds, err := dockercredentials.Get(program, registry)
	if err != nil {
		return Credential{}, nil
	}
	return Credential{Username: creds.Username, Password: creds.Secret}, nil
}

func fromAuthConfig(ac types.AuthConfig) Credential {
	return Credential{
		Username:      ac.Username,
		Password:      ac.Password,
		IdentityToken: ac.IdentityToken,
	}
}

// Challenge is a parsed WWW-Authenticate: Bearer challenge, per RFC 6750.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge parses the value of a WWW-Authenticate header,
// grounded on reyoung-afs/pkg/registry/client.go's parseBearerChallenge.
func ParseChallenge(header string) (Challenge, error) {
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return Challenge{}, fmt.Errorf("auth: unsupported challenge scheme: %q", header)
	}
	// Split on commas outside quoted values, so a quoted scope such as
	// "repository:demo:push,pull" stays one parameter.
	params := header[len("Bearer "):]
	var fields []string
	inQuote, start := false, 0
	for i := 0; i < len(params); i++ {
		switch {
		case params[i] == '"':
			inQuote = !inQuote
		case params[i] == ',' && !inQuote:
			fields = append(fields, params[start:i])
			start = i + 1
		}
	}
	fields = append(fields, params[start:])

	var c Challenge
	for _, field := range fields {
		kv := strings.SplitN(strings.TrimSpace(field), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.Realm = val
		case "service":
			c.Service = val
		case "scope":
			c.Scope = val
		}
	}
	if c.Realm == "" {
		return Challenge{}, fmt.Errorf("auth: challenge missing realm: %q", header)
	}
	return c, nil
}

// Token resolves a bearer token to present for (registry, scope),
// given the challenge the registry issued and the credential the
// resolver found for registry. Tokens are cached and concurrent
// lookups for the same key are coalesced via singleflight so that N
// parallel per-platform pushes hitting the same repository don't each
// round-trip to the auth server.
func (r *Resolver) Token(ctx context.Context, registry string, ch Challenge, cred Credential) (string, error) {
	key := registry + "|" + ch.Scope
	r.mu.Lock()
	if tok, ok := r.tokens[key]; ok {
		r.mu.Unlock()
		return tok, nil
	}
	r.mu.Unlock()

	v, err, _ := r.tokenGroup.Do(key, func() (any, error) {
		tok, err := r.exchangeToken(ctx, ch, cred)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.tokens[key] = tok
		r.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) exchangeToken(ctx context.Context, ch Challenge, cred Credential) (string, error) {
	u, err := url.Parse(ch.Realm)
	if err != nil {
		return "", fmt.Errorf("auth: invalid realm %q: %w", ch.Realm, err)
	}
	q := u.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	if ch.Scope != "" {
		q.Set("scope", ch.Scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	switch {
	case cred.IdentityToken != "":
		// An identity token from the config file is presented as a
		// refresh token via the oauth2 refresh-token grant shape the
		// distribution auth spec uses, not as a bearer header.
		req.Method = http.MethodPost
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {cred.IdentityToken},
			"service":       {ch.Service},
			"scope":         {ch.Scope},
		}
		req.Body = io.NopCloser(strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	case cred.Username != "":
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: requesting token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("auth: token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("auth: decoding token response: %w", err)
	}
	tok := body.Token
	if tok == "" {
		tok = body.AccessToken
	}
	if tok == "" {
		return "", fmt.Errorf("auth: token response had no token field")
	}
	return tok, nil
}

// BasicAuthHeader renders a direct basic-auth Authorization header
// value for registries that skip bearer challenges entirely and
// accept basic auth on every request.
func BasicAuthHeader(cred Credential) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Password))
}
