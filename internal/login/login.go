// Package login authenticates against the application's /login endpoint
// and caches the bearer token used by the event channel.
package login

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a login request.
const DefaultTimeout = 15 * time.Second

// bodyHead is how much of an unexpected response body is kept in errors.
const bodyHead = 200

// LoginError reports a rejected or malformed login response.
type LoginError struct {
	Status   int
	Location string
	Body     string
	Reason   string
}

func (e *LoginError) Error() string {
	var b strings.Builder
	b.WriteString("login failed: ")
	b.WriteString(e.Reason)
	if e.Status != 0 && e.Status != http.StatusOK {
		fmt.Fprintf(&b, " (HTTP %d", e.Status)
		if e.Location != "" {
			fmt.Fprintf(&b, ", Location=%s", e.Location)
		}
		b.WriteString(")")
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %q", e.Body)
	}
	return b.String()
}

// Session is the result of a successful login.
type Session struct {
	Token string
	Areas []string
}

// Options configures a Client.
type Options struct {
	AppBase            string
	Username           string
	Password           string
	CAFile             string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Client logs in and caches the session.
type Client struct {
	mu      sync.Mutex
	logger  *slog.Logger
	http    *http.Client
	base    string
	user    string
	pass    string
	session *Session
}

// NewClient creates a client. The CA file, when set, replaces the system
// roots for both the login request and HTTPClient users.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	tlsConfig, err := TLSConfig(opts.CAFile, opts.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		logger: logger,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			// A redirect means the server sent us to an HTML login page.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		base: strings.TrimRight(opts.AppBase, "/"),
		user: opts.Username,
		pass: opts.Password,
	}, nil
}

// TLSConfig builds a TLS configuration trusting caFile when it is set.
func TLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA file %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Login authenticates and caches the session.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	form := url.Values{}
	form.Set("username", c.user)
	form.Set("password", base64.StdEncoding.EncodeToString([]byte(c.pass)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read login response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &LoginError{
			Status:   resp.StatusCode,
			Location: resp.Header.Get("Location"),
			Body:     head(body),
			Reason:   "unexpected status",
		}
	}

	var payload struct {
		Status json.RawMessage `json:"status"`
		Token  string          `json:"token"`
		Area   json.RawMessage `json:"area"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &LoginError{Status: resp.StatusCode, Body: head(body), Reason: "non-JSON response"}
	}
	if !statusOK(payload.Status) {
		return nil, &LoginError{Status: resp.StatusCode, Body: head(body), Reason: "rejected"}
	}
	if payload.Token == "" {
		return nil, &LoginError{Status: resp.StatusCode, Reason: "no token in response"}
	}

	session := &Session{Token: payload.Token, Areas: parseAreas(payload.Area)}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.logger.Info("logged in", "user", c.user, "areas", len(session.Areas))
	return session, nil
}

// Token returns the cached session, logging in when there is none or when
// refresh is set.
func (c *Client) Token(ctx context.Context, refresh bool) (*Session, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session != nil && !refresh {
		return session, nil
	}
	return c.Login(ctx)
}

// AuthHeaders returns the headers that authenticate requests with the
// cached token, logging in first if needed.
func (c *Client) AuthHeaders(ctx context.Context) (http.Header, error) {
	session, err := c.Token(ctx, false)
	if err != nil {
		return nil, err
	}
	return Headers(session.Token), nil
}

// Headers builds bearer authentication headers for token.
func Headers(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Accept", "application/json")
	h.Set("X-Requested-With", "XMLHttpRequest")
	return h
}

// statusOK reports whether raw is the number 1. The strings "1" and "true"
// are refusals.
func statusOK(raw json.RawMessage) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	n, ok := v.(json.Number)
	if !ok {
		return false
	}
	f, err := n.Float64()
	return err == nil && f == 1
}

// parseAreas accepts a list of strings or numbers; anything else is empty.
func parseAreas(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	areas := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			areas = append(areas, v)
		case float64:
			areas = append(areas, fmt.Sprint(v))
		}
	}
	return areas
}

func head(body []byte) string {
	s := string(body)
	if len(s) > bodyHead {
		s = s[:bodyHead]
	}
	return s
}
