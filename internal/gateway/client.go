package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/conveyor/internal/autopilot"
)

// Client reads status and events from a running gateway.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the gateway at baseURL (http://host:port).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// Status fetches /api/v1/status.
func (c *Client) Status(ctx context.Context) (*autopilot.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header = c.header()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var st autopilot.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Events dials /ws and streams events until ctx is done or the server goes
// away; the channel is closed then.
func (c *Client) Events(ctx context.Context) (<-chan autopilot.Event, error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, c.header())
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan autopilot.Event, subscriberBuffer)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var msg eventMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case out <- msg.event():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
