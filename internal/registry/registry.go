// Package registry implements the OCI distribution client: blob
// existence checks, resumable blob upload, cross-repo blob mount, and
// manifest/index push and fetch, against the OCI Distribution Spec
// v1.1 surface. Authentication is delegated to internal/auth; this
// package only knows how to react to a 401 by asking for a token and
// retrying once.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	godigest "github.com/opencontainers/go-digest"

	"github.com/krust-build/krust/internal/auth"
	"github.com/krust-build/krust/internal/krusterr"
)

// retryableStatus are the response codes worth retrying with backoff,
// beyond ordinary network errors.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// errUnsafeRedirect marks a redirect the client refused to follow: the
// registry tried to send a write (POST/PATCH/PUT) somewhere else,
// which would silently resend the request body to an address the
// caller never inspected.
var errUnsafeRedirect = errors.New("registry: refusing to follow redirect on a non-idempotent request")

// blockUnsafeRedirects lets GET/HEAD requests follow redirects as
// normal (needed for CDN-backed blob/manifest fetches) but aborts any
// redirect chain that started from a POST, PATCH, or PUT, since
// resending an upload body to a second, unverified URL is not safe to
// do silently.
func blockUnsafeRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	switch via[0].Method {
	case http.MethodGet, http.MethodHead:
		return nil
	default:
		return errUnsafeRedirect
	}
}

const (
	maxRetries        = 3
	retryBaseDelay    = 500 * time.Millisecond
	retryJitterFactor = 0.25
)

// Client talks to registries over HTTPS; every call names the registry
// host it targets, so the same Client serves both the base image's
// registry and the target registry. One Client is
// shared by every concurrent upload in a build, so it must be safe
// for concurrent use; it carries no mutable state of its own beyond
// the *auth.Resolver it wraps, which is already safe.
type Client struct {
	HTTP     *http.Client
	Resolver *auth.Resolver
	Scheme   string      // "https" unless overridden for test servers
	Logger   *log.Logger // nil means "discard"; prefixes upload-session correlation ids

	sleep func(time.Duration) // overridden in tests to skip real waits
}

func (c *Client) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(io.Discard, "", 0)
}

// defaultClient follows redirects on reads but aborts them on writes;
// see blockUnsafeRedirects.
var defaultClient = &http.Client{CheckRedirect: blockUnsafeRedirects}

// New builds a Client. The zero value's HTTP client and scheme default
// to a client with blockUnsafeRedirects installed and "https".
func New(resolver *auth.Resolver) *Client {
	return &Client{HTTP: defaultClient, Resolver: resolver, Scheme: "https"}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return defaultClient
}

func (c *Client) scheme() string {
	if c.Scheme != "" {
		return c.Scheme
	}
	return "https"
}

func (c *Client) sleeper() func(time.Duration) {
	if c.sleep != nil {
		return c.sleep
	}
	return time.Sleep
}

func (c *Client) blobURL(registryHost, repo, digest string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme(), registryHost, repo, digest)
}

func (c *Client) uploadInitURL(registryHost, repo string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/", c.scheme(), registryHost, repo)
}

func (c *Client) manifestURL(registryHost, repo, ref string) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme(), registryHost, repo, ref)
}

// BlobExists performs a HEAD request for digest in repo, returning
// (size, true, nil) if the blob is already present — the check that
// lets the build orchestrator skip re-uploading base layers.
func (c *Client) BlobExists(ctx context.Context, registryHost, repo string, digest godigest.Digest) (int64, bool, error) {
	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, c.blobURL(registryHost, repo, string(digest)), nil)
	})
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.ContentLength, true, nil
	case http.StatusNotFound:
		return 0, false, nil
	default:
		return 0, false, unexpectedStatus(resp, "HEAD blob")
	}
}

// MountBlob attempts a cross-repo mount of digest from fromRepo into
// repo, returning true if the registry
// accepted the mount (201) rather than falling back to a fresh
// upload session (202, meaning the registry ignored "from" — most
// often because fromRepo isn't in the same namespace the caller is
// authorized against).
func (c *Client) MountBlob(ctx context.Context, registryHost, repo string, digest godigest.Digest, fromRepo string) (bool, error) {
	u := c.uploadInitURL(registryHost, repo) + "?mount=" + url.QueryEscape(string(digest)) + "&from=" + url.QueryEscape(fromRepo)
	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull,push", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		return false, nil
	default:
		return false, unexpectedStatus(resp, "mount blob")
	}
}

// UploadBlob runs the full resumable upload state machine: POST to
// start a session, PATCH the body as a single chunk, PUT with
// the digest query parameter to finalise. Monolithic single-PATCH
// upload is sufficient for krust's layer sizes and keeps the state
// machine to three steps instead of implementing chunked range
// bookkeeping.
func (c *Client) UploadBlob(ctx context.Context, registryHost, repo string, digest godigest.Digest, size int64, body io.Reader) error {
	session := uuid.New().String()
	c.logger().Printf("upload session %s: starting %s (%d bytes) to %s/%s", session, digest, size, registryHost, repo)

	location, err := c.startUpload(ctx, registryHost, repo)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("registry: reading blob body: %w", err)
	}
	if int64(len(data)) != size {
		return krusterr.New(krusterr.DigestMismatch, "UploadBlob", string(digest),
			fmt.Errorf("blob body length %d does not match declared size %d", len(data), size))
	}

	location, err = c.patchUpload(ctx, registryHost, repo, location, data)
	if err != nil {
		return err
	}
	if err := c.finaliseUpload(ctx, registryHost, repo, location, digest); err != nil {
		return err
	}
	c.logger().Printf("upload session %s: finalised %s", session, digest)
	return nil
}

func (c *Client) startUpload(ctx context.Context, registryHost, repo string) (string, error) {
	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull,push", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, c.uploadInitURL(registryHost, repo), nil)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", unexpectedStatus(resp, "start blob upload")
	}
	return c.resolveLocation(registryHost, resp)
}

func (c *Client) patchUpload(ctx context.Context, registryHost, repo, location string, data []byte) (string, error) {
	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull,push", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = int64(len(data))
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", unexpectedStatus(resp, "patch blob upload")
	}
	return c.resolveLocation(registryHost, resp)
}

func (c *Client) finaliseUpload(ctx context.Context, registryHost, repo, location string, digest godigest.Digest) error {
	u := location
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	u += sep + "digest=" + url.QueryEscape(string(digest))

	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull,push", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
		if err != nil {
			return nil, err
		}
		req.ContentLength = 0
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return unexpectedStatus(resp, "finalise blob upload")
	}
	return nil
}

// resolveLocation reads the Location header off an upload response
// and resolves it against registryHost if it came back relative;
// registries are free to return either form.
func (c *Client) resolveLocation(registryHost string, resp *http.Response) (string, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("registry: response missing Location header")
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("registry: invalid Location header %q: %w", loc, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base := &url.URL{Scheme: c.scheme(), Host: registryHost}
	return base.ResolveReference(u).String(), nil
}

// GetBlob downloads the blob identified by digest from repo, used both
// to read a base image's config blob and to stream a cross-registry
// base layer through to the target registry. Callers must close the
// returned reader.
func (c *Client) GetBlob(ctx context.Context, registryHost, repo string, digest godigest.Digest) (io.ReadCloser, int64, error) {
	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(registryHost, repo, string(digest)), nil)
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, unexpectedStatus(resp, "get blob")
	}
	return resp.Body, resp.ContentLength, nil
}

// PushManifest PUTs a manifest or index document to ref (a tag or
// digest), verifying the registry's returned Docker-Content-Digest
// matches the digest krust computed locally.
func (c *Client) PushManifest(ctx context.Context, registryHost, repo, ref, mediaType string, body []byte, want godigest.Digest) error {
	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull,push", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.manifestURL(registryHost, repo, ref), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mediaType)
		req.ContentLength = int64(len(body))
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return unexpectedStatus(resp, "push manifest")
	}
	if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != string(want) {
		return krusterr.New(krusterr.DigestMismatch, "PushManifest", repo+"/"+ref,
			fmt.Errorf("registry echoed digest %s, expected %s", got, want))
	}
	return nil
}

// GetManifest fetches the manifest or index at ref, returning the raw
// body and its Content-Type. The Docker-Content-Digest the registry
// reports is not read or checked.
func (c *Client) GetManifest(ctx context.Context, registryHost, repo, ref string, accept []string) ([]byte, string, error) {
	resp, err := c.doAuthenticated(ctx, registryHost, repo, "pull", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.manifestURL(registryHost, repo, ref), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", strings.Join(accept, ", "))
		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", unexpectedStatus(resp, "get manifest")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("registry: reading manifest body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// doAuthenticated runs makeReq, attaching whatever credential it
// already holds for registryHost, retrying transient failures with
// backoff, and performing exactly one 401-triggered token exchange and
// replay before giving up — a second 401 is terminal.
func (c *Client) doAuthenticated(ctx context.Context, registryHost, repo, defaultScope string, makeReq func() (*http.Request, error)) (*http.Response, error) {
	var cred auth.Credential
	var bearer string
	if c.Resolver != nil {
		var err error
		cred, err = c.Resolver.Credential(registryHost)
		if err != nil {
			return nil, krusterr.New(krusterr.Auth, "doAuthenticated", registryHost, err)
		}
	}

	triedToken := false
	for attempt := 0; ; attempt++ {
		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		} else if cred.Username != "" {
			req.SetBasicAuth(cred.Username, cred.Password)
		}

		resp, err := c.httpClient().Do(req)
		if err != nil {
			if errors.Is(err, errUnsafeRedirect) {
				return nil, krusterr.New(krusterr.Protocol, "doAuthenticated", registryHost, err)
			}
			if attempt < maxRetries && ctx.Err() == nil {
				c.backoff(ctx, attempt, 0)
				continue
			}
			return nil, krusterr.New(krusterr.Network, "doAuthenticated", registryHost, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !triedToken && c.Resolver != nil {
			challengeHeader := resp.Header.Get("Www-Authenticate")
			resp.Body.Close()
			triedToken = true
			ch, perr := auth.ParseChallenge(challengeHeader)
			if perr != nil {
				return nil, krusterr.New(krusterr.Auth, "doAuthenticated", registryHost, perr)
			}
			if ch.Scope == "" {
				ch.Scope = "repository:" + repo + ":" + defaultScope
			}
			tok, terr := c.Resolver.Token(ctx, registryHost, ch, cred)
			if terr != nil {
				return nil, krusterr.New(krusterr.Auth, "doAuthenticated", registryHost, terr)
			}
			bearer = tok
			continue
		}

		if retryableStatus[resp.StatusCode] && attempt < maxRetries {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			c.backoff(ctx, attempt, retryAfter)
			continue
		}

		return resp, nil
	}
}

func (c *Client) backoff(ctx context.Context, attempt int, retryAfter time.Duration) {
	if ctx.Err() != nil {
		return
	}
	delay := retryAfter
	if delay == 0 {
		delay = retryBaseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(float64(delay) * retryJitterFactor * (rand.Float64()*2 - 1))
		delay += jitter
	}
	c.sleeper()(delay)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func unexpectedStatus(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := krusterr.Network
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = krusterr.Auth
	}
	return krusterr.New(kind, op, "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
}
