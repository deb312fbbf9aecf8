package tachyon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	channelPath  = "/tachyon"
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ClientOptions configures one connection to the lobby.
type ClientOptions struct {
	Host         string
	Port         int  // 0 uses the scheme default
	Secure       bool // TLS; plain only for localhost or when disabled
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// ClientHandlers are the client's event slots. Message fires from the read
// loop; Close fires once, from the read loop or from an explicit Close call,
// whichever tears the connection down first; Connected fires before Connect
// returns.
type ClientHandlers struct {
	Connected func()
	Message   func(*Envelope)
	Error     func(error)
	Close     func()
}

// Client is one authenticated duplex text channel to the lobby. A client
// connects once; the supervisor builds a fresh one per reconnect attempt.
type Client struct {
	opts     ClientOptions
	handlers ClientHandlers

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}

	tokenExpiry time.Time
}

// NewClient creates an unconnected client.
func NewClient(opts ClientOptions, handlers ClientHandlers) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{opts: opts, handlers: handlers, done: make(chan struct{})}
}

func (c *Client) baseURL() string {
	scheme := "https"
	if !c.opts.Secure {
		scheme = "http"
	}
	host := c.opts.Host
	if c.opts.Port != 0 {
		host = host + ":" + strconv.Itoa(c.opts.Port)
	}
	return scheme + "://" + host
}

func (c *Client) channelURL() string {
	scheme := "wss"
	if !c.opts.Secure {
		scheme = "ws"
	}
	host := c.opts.Host
	if c.opts.Port != 0 {
		host = host + ":" + strconv.Itoa(c.opts.Port)
	}
	u := url.URL{Scheme: scheme, Host: host, Path: channelPath}
	return u.String()
}

// Connect authenticates and opens the duplex channel, then starts reading.
// On success the Connected handler has fired and messages flow until the
// connection drops, which fires Close exactly once.
func (c *Client) Connect(ctx context.Context) error {
	tok, err := fetchToken(ctx, c.opts.HTTPClient, c.baseURL(), c.opts.ClientID, c.opts.ClientSecret)
	if err != nil {
		return err
	}
	c.tokenExpiry = tok.ExpiresAt
	if !tok.ExpiresAt.IsZero() {
		log.Printf("tachyon: access token expires %s", tok.ExpiresAt.Format(time.RFC3339))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		Subprotocols:     []string{ProtocolVersion},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.Access)

	conn, resp, err := dialer.DialContext(ctx, c.channelURL(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("opening channel: %w (%s)", err, resp.Status)
		}
		return fmt.Errorf("opening channel: %w", err)
	}
	c.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	if c.handlers.Connected != nil {
		c.handlers.Connected()
	}
	go c.readLoop()
	go c.pingLoop()
	return nil
}

// TokenExpiry returns when the current access token lapses, or zero when
// the server did not say.
func (c *Client) TokenExpiry() time.Time { return c.tokenExpiry }

// Send writes one envelope as a text frame. The write blocks until the
// frame is flushed, so a slow lobby applies backpressure to the caller.
func (c *Client) Send(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call multiple times and before
// Connect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
		if c.handlers.Close != nil {
			c.handlers.Close()
		}
	})
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.emitError(fmt.Errorf("reading channel: %w", err))
			}
			return
		}

		if msgType != websocket.TextMessage {
			c.emitError(fmt.Errorf("binary frame on text channel"))
			c.closeWith(websocket.CloseUnsupportedData, "binary frames not supported")
			return
		}

		env, err := ParseEnvelope(raw)
		if err != nil {
			c.emitError(err)
			c.closeWith(websocket.CloseInvalidFramePayloadData, "parse error")
			return
		}

		if c.handlers.Message != nil {
			c.handlers.Message(env)
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
}

func (c *Client) emitError(err error) {
	if c.handlers.Error != nil {
		c.handlers.Error(err)
	}
}
