package overkiz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is the gateway boundary the discovery side polls. ListDevices
// returns the raw body of the device list endpoint, shape untouched,
// normalization is the snapshot builder's problem.
type Client interface {
	Login(ctx context.Context) error
	ListDevices(ctx context.Context) (json.RawMessage, error)
	// GetEvents consumes the server-side event queue. since is the
	// listener cursor from the previous call, empty on first use.
	GetEvents(ctx context.Context, since string) ([]RawEvent, string, error)
}

type Config struct {
	ServerURL string
	Username  string
	Password  string
	Timeout   time.Duration
	Logger    *zap.SugaredLogger
}

type HTTPClient struct {
	base     string
	username string
	password string
	hc       *http.Client
	log      *zap.SugaredLogger
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		base:     strings.TrimSuffix(cfg.ServerURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		hc: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		log: cfg.Logger,
	}, nil
}

func (c *HTTPClient) Login(ctx context.Context) error {
	form := url.Values{
		"userId":       {c.username},
		"userPassword": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return &TransportError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransportError{Op: "login", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("login rejected with %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return &TransportError{Op: "login", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	c.log.Debugf("logged in to %s as %s", c.base, c.username)
	return nil
}

func (c *HTTPClient) ListDevices(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/setup/devices")
}

func (c *HTTPClient) GetEvents(ctx context.Context, since string) ([]RawEvent, string, error) {
	cursor := since
	if cursor == "" {
		body, err := c.post(ctx, "/events/register")
		if err != nil {
			return nil, "", err
		}
		var reg struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &reg); err != nil || reg.ID == "" {
			return nil, "", &TransportError{Op: "events/register",
				Err: fmt.Errorf("listener id missing in response")}
		}
		cursor = reg.ID
	}
	body, err := c.post(ctx, "/events/"+cursor+"/fetch")
	if err != nil {
		// a stale listener comes back as 400, returning an empty cursor
		// makes the next call re-register
		return nil, "", err
	}
	var events []RawEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, cursor, &TransportError{Op: "events/fetch",
			Err: fmt.Errorf("cannot decode event list: %w", err)}
	}
	return events, cursor, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path)
}

func (c *HTTPClient) post(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path)
}

func (c *HTTPClient) do(ctx context.Context, method, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Reason: fmt.Sprintf("%s returned %s", path, resp.Status)}
	case resp.StatusCode >= 400:
		return nil, &TransportError{Op: path, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	return body, nil
}
