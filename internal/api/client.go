package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paveg/portpilot/internal/supervisor"
)

// Static error variables to satisfy err113 linter
var (
	ErrDaemonUnreachable = errors.New("daemon is not reachable")
)

const defaultClientTimeout = 60 * time.Second

// StatusError is a non-2xx response from the daemon.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// Is makes a 404 match ErrUnknownService.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnknownService && e.Status == http.StatusNotFound
}

// Client talks to a running daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the daemon listening on address (host:port).
func NewClient(address string) *Client {
	return &Client{
		base: "http://" + address,
		http: &http.Client{Timeout: defaultClientTimeout},
	}
}

// Health checks that the daemon answers.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/api/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the info of every configured service.
func (c *Client) List(ctx context.Context) ([]supervisor.Info, error) {
	var out []supervisor.Info
	if err := c.do(ctx, http.MethodGet, "/api/services", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the info of one service.
func (c *Client) Get(ctx context.Context, id string) (*supervisor.Info, error) {
	var out supervisor.Info
	if err := c.do(ctx, http.MethodGet, "/api/services/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start starts id and returns its info.
func (c *Client) Start(ctx context.Context, id string) (*supervisor.Info, error) {
	return c.action(ctx, id, "start", nil)
}

// Stop stops id and returns its info.
func (c *Client) Stop(ctx context.Context, id string) (*supervisor.Info, error) {
	return c.action(ctx, id, "stop", nil)
}

// Restart restarts id and returns its info.
func (c *Client) Restart(ctx context.Context, id string) (*supervisor.Info, error) {
	return c.action(ctx, id, "restart", nil)
}

// Refresh re-probes id, opening its URLs if it turns out to be running and open is set.
func (c *Client) Refresh(ctx context.Context, id string, open bool) (*supervisor.Info, error) {
	return c.action(ctx, id, "refresh", url.Values{"open": {strconv.FormatBool(open)}})
}

func (c *Client) action(ctx context.Context, id, action string, query url.Values) (*supervisor.Info, error) {
	path := "/api/services/" + url.PathEscape(id) + "/" + action
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out supervisor.Info
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns the last n lines of id's log.
func (c *Client) Logs(ctx context.Context, id string, n int) (*Logs, error) {
	path := "/api/services/" + url.PathEscape(id) + "/logs?lines=" + strconv.Itoa(n)
	var out Logs
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload makes the daemon re-read its configuration.
func (c *Client) Reload(ctx context.Context) (*ReloadResult, error) {
	var out ReloadResult
	if err := c.do(ctx, http.MethodPost, "/api/reload", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopAll stops every configured service.
func (c *Client) StopAll(ctx context.Context) ([]supervisor.Info, error) {
	var out []supervisor.Info
	if err := c.do(ctx, http.MethodPost, "/api/stop-all", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events streams supervisor events until ctx is done or the daemon goes away.
// The returned channel is closed when the stream ends.
func (c *Client) Events(ctx context.Context) (<-chan supervisor.Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // handshake body is unused
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDaemonUnreachable, err)
	}

	out := make(chan supervisor.Event)
	go func() {
		<-ctx.Done()
		_ = conn.Close() //nolint:errcheck // unblocks the reader
	}()
	go func() {
		defer close(out)
		for {
			var ev supervisor.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonUnreachable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body is fully read below

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
