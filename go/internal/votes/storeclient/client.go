package storeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livevote/go/internal/models"
	"github.com/mcdev12/livevote/go/internal/votes/protocol"
)

// ErrClosed is returned for requests on a client whose connection has ended.
var ErrClosed = errors.New("vote store connection closed")

// RemoteError is a request rejected by the gateway.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("vote store rejected request: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == code
}

// Config holds the websocket settings of a store client.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

// DefaultConfig returns default store client configuration
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

// Client is one participant's connection to the remote vote store. The
// connection's lifetime is the participant's presence: when it ends, the
// gateway runs the disconnect actions registered on it.
type Client struct {
	conn   *websocket.Conn
	room   string
	config Config

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan *protocol.Frame
	subs    map[*Subscription]struct{}
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at baseURL (http or ws scheme) and joins room.
func Dial(ctx context.Context, baseURL, room, token string, config Config) (*Client, error) {
	endpoint, err := socketURL(baseURL, room)
	if err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial vote store: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial vote store: %w", err)
	}
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}

	c := &Client{
		conn:    conn,
		room:    room,
		config:  config,
		pending: make(map[uint64]chan *protocol.Frame),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	log.Debug().Str("url", endpoint).Msg("vote store connected")
	return c, nil
}

func socketURL(baseURL, room string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	u.Path += "/ws/votes"
	q := url.Values{}
	if room != "" {
		q.Set("room", room)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Set writes the record at key.
func (c *Client) Set(ctx context.Context, key models.ParticipantID, record models.VoteRecord) error {
	return c.request(ctx, &protocol.Frame{Type: protocol.FrameSet, Key: key, Record: &record})
}

// Remove deletes the record at key.
func (c *Client) Remove(ctx context.Context, key models.ParticipantID) error {
	return c.request(ctx, &protocol.Frame{Type: protocol.FrameRemove, Key: key})
}

// OnDisconnectRemove registers removal of key for when this connection ends,
// however it ends. The gateway executes it.
func (c *Client) OnDisconnectRemove(ctx context.Context, key models.ParticipantID) error {
	return c.request(ctx, &protocol.Frame{Type: protocol.FrameOnDisconnectRemove, Key: key})
}

// CancelOnDisconnect withdraws a registered removal.
func (c *Client) CancelOnDisconnect(ctx context.Context, key models.ParticipantID) error {
	return c.request(ctx, &protocol.Frame{Type: protocol.FrameCancelOnDisconnect, Key: key})
}

// Subscribe starts delivery of full-table snapshots, beginning with the
// table as it is now. Snapshots are delivered in the order the gateway sent
// them and are never dropped.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	sub := newSubscription(c)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.pump()

	if err := c.request(ctx, &protocol.Frame{Type: protocol.FrameSubscribe}); err != nil {
		c.detach(sub)
		sub.stop()
		return nil, err
	}
	return sub, nil
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection. Registered disconnect actions run on the
// gateway.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return c.conn.Close()
	default:
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	c.writeMu.Unlock()

	if err == nil {
		// Wait for the gateway to echo the close so it sees a clean close.
		select {
		case <-c.done:
		case <-time.After(c.config.WriteTimeout):
		}
	}
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

func (c *Client) request(ctx context.Context, frame *protocol.Frame) error {
	reply := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.seq++
	frame.Seq = c.seq
	c.pending[frame.Seq] = reply
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.forget(frame.Seq)
		return err
	}

	select {
	case f := <-reply:
		if f.Type == protocol.FrameError {
			return &RemoteError{Code: f.Code, Message: f.Error}
		}
		return nil
	case <-c.done:
		select {
		case f := <-reply:
			if f.Type == protocol.FrameError {
				return &RemoteError{Code: f.Code, Message: f.Error}
			}
			return nil
		default:
		}
		return c.closedErr()
	case <-ctx.Done():
		c.forget(frame.Seq)
		return ctx.Err()
	}
}

func (c *Client) write(frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

func (c *Client) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) detach(sub *Subscription) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
	return len(c.subs) == 0
}

// readLoop dispatches replies and snapshot pushes until the connection ends.
func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.shutdown(cause)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = ErrClosed
			} else {
				cause = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring undecodable frame from vote store")
			continue
		}

		switch frame.Type {
		case protocol.FrameAck, protocol.FrameError:
			c.mu.Lock()
			reply, ok := c.pending[frame.Seq]
			delete(c.pending, frame.Seq)
			c.mu.Unlock()
			if ok {
				reply <- frame
			} else if frame.Type == protocol.FrameError {
				log.Warn().Str("code", frame.Code).Str("error", frame.Error).Msg("vote store reported an error")
			}
		case protocol.FrameValue:
			c.mu.Lock()
			subs := make([]*Subscription, 0, len(c.subs))
			for sub := range c.subs {
				subs = append(subs, sub)
			}
			c.mu.Unlock()
			for _, sub := range subs {
				sub.push(frame.Table.Clone())
			}
		default:
			log.Warn().Str("type", string(frame.Type)).Msg("ignoring unexpected frame from vote store")
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause == nil {
			cause = ErrClosed
		}
		c.err = cause
		subs := c.subs
		c.subs = make(map[*Subscription]struct{})
		close(c.done)
		c.mu.Unlock()

		for sub := range subs {
			sub.end()
		}
		log.Debug().Err(cause).Msg("vote store connection ended")
	})
}

// isClosed must be called with c.mu held.
func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}
