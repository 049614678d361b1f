// Package aspace is a small client for the ArchivesSpace backend: admin
// login and the batch import endpoint.
package aspace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"
)

// SessionHeader carries the session token on authenticated requests.
const SessionHeader = "X-ArchivesSpace-Session"

var (
	// ErrLogin is returned when the backend refuses the credentials.
	ErrLogin = errors.New("login failed")
	// ErrUnreachable is returned when the backend cannot be contacted.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrNotLoggedIn is returned by calls that need a session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// ImportError reports a batch the backend refused.
type ImportError struct {
	Status int
	Body   string
}

func (e *ImportError) Error() string {
	if e.Status != 0 && e.Status != http.StatusOK {
		return fmt.Sprintf("batch import failed (HTTP %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("batch import reported errors: %s", e.Body)
}

// Client talks to one backend. Not safe for concurrent Login calls.
type Client struct {
	base    *url.URL
	http    *http.Client
	session string

	retries uint64
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets how often Login retries a connection failure and the
// initial backoff between attempts.
func WithRetry(retries uint64, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.backoff = backoff
	}
}

// New returns a client for the backend at backendURL.
func New(backendURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parsing backend URL: unsupported scheme %q", u.Scheme)
	}

	c := &Client{
		base:    u,
		http:    cleanhttp.DefaultPooledClient(),
		retries: 3,
		backoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Session returns the current session token, "" before Login.
func (c *Client) Session() string { return c.session }

// Login authenticates as user and keeps the non-expiring session for later
// calls. Connection failures are retried; a refusal is not.
func (c *Client) Login(ctx context.Context, user, password string) (string, error) {
	endpoint := c.endpoint("users", user, "login")
	endpoint.RawQuery = url.Values{"expiring": {"false"}}.Encode()
	form := url.Values{"password": {password}}.Encode()

	var body []byte
	var status int
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(form))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			slog.Warn("login attempt failed", "backend", c.base.String(), "error", err)
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnreachable, err))
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return "", err
	}

	if status != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrLogin, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrLogin, err)
	}
	if parsed.Session == "" {
		return "", fmt.Errorf("%w: no session in response", ErrLogin)
	}

	c.session = parsed.Session
	slog.Info("logged in", "backend", c.base.String(), "user", user)
	return c.session, nil
}

// BatchImport posts a JSON array file to the repository's batch import
// endpoint and logs the streamed progress lines as they arrive.
func (c *Client) BatchImport(ctx context.Context, repoID, file string) error {
	if c.session == "" {
		return ErrNotLoggedIn
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("repositories", repoID, "batch_imports").String(), f)
	if err != nil {
		return err
	}
	if info, err := f.Stat(); err == nil {
		req.ContentLength = info.Size()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, c.session)

	slog.Info("starting batch import", "repo", repoID, "file", file)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &ImportError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var failures []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		slog.Info("import progress", "repo", repoID, "response", string(line))
		if msg, ok := importErrors(line); ok {
			failures = append(failures, msg)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading import response: %w", err)
	}
	if len(failures) > 0 {
		return &ImportError{Status: resp.StatusCode, Body: strings.Join(failures, "; ")}
	}

	slog.Info("batch import finished", "repo", repoID)
	return nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = ""
	u.RawQuery = ""
	return &u
}

// importErrors extracts the "errors" member of one streamed progress entry.
// The stream is a JSON array written one element per line, so a line may
// carry a trailing comma or the closing bracket.
func importErrors(line []byte) (string, bool) {
	line = bytes.TrimRight(line, ",")
	line = bytes.TrimPrefix(line, []byte("["))
	line = bytes.TrimSuffix(line, []byte("]"))
	if len(line) == 0 || line[0] != '{' {
		return "", false
	}
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(line, &entry); err != nil {
		return "", false
	}
	errs, ok := entry["errors"]
	if !ok || string(errs) == "null" || string(errs) == "[]" {
		return "", false
	}
	return string(errs), true
}
