// Package realtime speaks the OpenAI Realtime WebSocket protocol.
//
// [Client] dials the Realtime endpoint with the required authentication
// headers and returns the raw connection; the JSON events exchanged over it
// are defined in events.go. Audio is carried as base64 strings and is never
// decoded here, which lets a caller pass telephony frames through untouched
// when both sides agree on [AudioFormatG711ULaw].
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

const (
	// DefaultModel is the realtime model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

	// DefaultBaseURL is the Realtime API WebSocket endpoint.
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"

	// readLimit bounds a single server message. Audio deltas for a few
	// hundred milliseconds of speech fit comfortably.
	readLimit = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model requested in the connection URL.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client opens connections to the Realtime API. It holds no per-connection
// state and is safe for concurrent use.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Client that authenticates with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: DefaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the model requested by this client.
func (c *Client) Model() string { return c.model }

// Dial opens a new Realtime connection. The caller owns the returned
// connection and must send a session.update before any audio.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}
