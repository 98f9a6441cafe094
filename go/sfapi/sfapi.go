// Package sfapi is a client of the Super-Facility API fronting the compute
// facility's scheduler. Calls authenticate with an OAuth2 bearer token
// obtained through a private-key JWT assertion, and every call runs under
// a retry policy which tears down and rebuilds the session between attempts.
package sfapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const maxAttempts = 10

// Config configures a Client.
type Config struct {
	// BaseURL of the Super-Facility API.
	BaseURL string
	// TokenURL of the OAuth2 token endpoint.
	TokenURL string
	// ClientID of the OAuth2 client credential.
	ClientID string
	// PrivateKey is the PEM-encoded RSA key which signs client assertions.
	PrivateKey string
	// GrantType of the token request.
	GrantType string
	// Timeout of each HTTP request. Defaults to 10s.
	Timeout time.Duration
}

// Error is a terminal error reported by the Super-Facility API, such as an
// "error" task status or a malformed result. It is not retried.
type Error struct {
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("sfapi: %s", e.Message) }

// RetryError is returned when retries of a transient failure are exhausted.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %s", e.Attempts, e.Last)
}
func (e *RetryError) Unwrap() error { return e.Last }

// statusError is a non-2xx response. It's retried, as the remote surfaces
// transient faults (including auth hiccups) as HTTP status errors.
type statusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected response %s: %s", e.Status, e.Body)
}

// Client is a Super-Facility API client. It is safe for concurrent use.
type Client struct {
	cfg Config
	key *rsa.PrivateKey

	mu     sync.Mutex
	http   *http.Client
	source oauth2.TokenSource

	// Overridden by tests.
	backoff      func(attempt int) time.Duration
	pollInterval time.Duration
}

// NewClient returns a Client of the Super-Facility API described by |cfg|.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	var key, err = jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	var c = &Client{
		cfg:          cfg,
		key:          key,
		backoff:      backoff,
		pollInterval: time.Second,
	}
	c.rebuild()
	return c, nil
}

// Reset tears down the HTTP session and its cached token, so that the next
// request authenticates from scratch. The remote intermittently rejects
// tokens which are still nominally valid; a full rebuild recovers.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rebuild()
	clientResetCounter.Inc()
}

func (c *Client) rebuild() {
	c.http = &http.Client{Timeout: c.cfg.Timeout}
	c.source = oauth2.ReuseTokenSource(nil, &assertionSource{
		cfg:  c.cfg,
		key:  c.key,
		http: c.http,
	})
}

func (c *Client) session() (*http.Client, string, error) {
	c.mu.Lock()
	var httpClient, source = c.http, c.source
	c.mu.Unlock()

	var token, err = source.Token()
	if err != nil {
		return nil, "", fmt.Errorf("fetching access token: %w", err)
	}
	return httpClient, token.AccessToken, nil
}

// withRetry runs |fn| under the retry policy: transient failures retry with
// exponential backoff, and the session is rebuilt before each retry.
func (c *Client) withRetry(ctx context.Context, fn func(httpClient *http.Client, token string) error) error {
	var last error
	for attempt := 0; attempt != maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
		if attempt > 0 {
			requestRetryCounter.Inc()
			c.Reset()
		}

		var httpClient, token, err = c.session()
		if err != nil {
			// Token refresh failures are transient.
			log.WithFields(log.Fields{"attempt": attempt + 1, "err": err}).
				Warn("failed to refresh Super-Facility API token")
			last = err
			continue
		}

		if err = fn(httpClient, token); err == nil {
			return nil
		} else if !retryable(err) {
			return err
		}

		log.WithFields(log.Fields{"attempt": attempt + 1, "err": err}).
			Warn("Super-Facility API request failed")
		last = err
	}
	return &RetryError{Attempts: maxAttempts, Last: last}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.withRetry(ctx, func(httpClient *http.Client, token string) error {
		var u = c.cfg.BaseURL + path
		if len(query) != 0 {
			u += "?" + query.Encode()
		}
		var req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
		req.Header.Set("Accept", "application/json")

		return roundTrip(httpClient, req, out)
	})
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.withRetry(ctx, func(httpClient *http.Client, token string) error {
		var req, err = http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		return roundTrip(httpClient, req, out)
	})
}

func roundTrip(httpClient *http.Client, req *http.Request, out any) error {
	var resp, err = httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body, _ = io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Message: fmt.Sprintf("decoding response of %s: %s", req.URL.Path, err)}
	}
	return nil
}

func retryable(err error) bool {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1, 2, 3, 4:
		return time.Second << (attempt - 1)
	default:
		return time.Second * 10
	}
}
