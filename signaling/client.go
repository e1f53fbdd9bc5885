// Package signaling is the client side of the pool's signaling relay.
//
// The relay hands each node its tree position and forwards connection
// handshakes between nodes. Requests and their responses are JSON
// envelopes over one websocket, correlated by a per-request key.
// Envelopes without a key are pushes from the relay: a new position
// after the topology changed, or a handshake addressed to this node.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/poolmesh/cluster"
	"github.com/sirupsen/logrus"
)

// Operations understood by the relay.
const (
	OpJoin      = "join"
	OpHandshake = "handshake"
	OpReport    = "report"
	OpHeartbeat = "heartbeat"
	OpPosition  = "position"
)

// DefaultHeartbeatInterval is the keepalive period against the relay.
const DefaultHeartbeatInterval = 15 * time.Second

var (
	// ErrClosed is returned once the relay connection is gone.
	ErrClosed = errors.New("signaling connection closed")
	// ErrRelay wraps an error reported by the relay.
	ErrRelay = errors.New("relay error")
)

// HandshakeKind tells the receiver which transport step a blob feeds.
type HandshakeKind string

const (
	HandshakeOffer  HandshakeKind = "offer"
	HandshakeAnswer HandshakeKind = "answer"
)

// Envelope is one relay message.
type Envelope struct {
	Key      string            `json:"key,omitempty"`
	Op       string            `json:"op"`
	Pool     string            `json:"pool,omitempty"`
	NodeID   string            `json:"nodeId,omitempty"`
	Target   string            `json:"target,omitempty"`
	From     string            `json:"from,omitempty"`
	Kind     HandshakeKind     `json:"kind,omitempty"`
	Blob     []byte            `json:"blob,omitempty"`
	Code     int               `json:"code,omitempty"`
	Identity *cluster.Identity `json:"identity,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Handler receives relay pushes. Calls come from the client's read
// goroutine, one at a time.
type Handler interface {
	OnPosition(id cluster.Identity)
	OnHandshake(from string, kind HandshakeKind, blob []byte)
}

// Client is a connection to the signaling relay.
type Client struct {
	conn    *websocket.Conn
	handler Handler

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan *Envelope
	nodeID  string

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at url and starts reading pushes.
func Dial(ctx context.Context, url string, handler Handler) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"url":      url,
	}).Info("Connected to signaling relay")

	c := &Client{
		conn:    conn,
		handler: handler,
		pending: make(map[string]chan *Envelope),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Join enters pool as nodeID and returns the assigned position.
func (c *Client) Join(ctx context.Context, pool, nodeID string) (cluster.Identity, error) {
	resp, err := c.call(ctx, &Envelope{Op: OpJoin, Pool: pool, NodeID: nodeID})
	if err != nil {
		return cluster.Identity{}, err
	}
	if resp.Identity == nil {
		return cluster.Identity{}, fmt.Errorf("%w: join response without identity", ErrRelay)
	}
	if err := resp.Identity.Validate(); err != nil {
		return cluster.Identity{}, err
	}

	c.mu.Lock()
	c.nodeID = nodeID
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Join",
		"pool":     pool,
		"node_id":  nodeID,
		"path":     resp.Identity.Path.String(),
	}).Info("Joined pool")
	return *resp.Identity, nil
}

// SendHandshake forwards a transport handshake blob to target.
func (c *Client) SendHandshake(ctx context.Context, target string, kind HandshakeKind, blob []byte) error {
	_, err := c.call(ctx, &Envelope{Op: OpHandshake, Target: target, Kind: kind, Blob: blob})
	return err
}

// ReportDisconnect tells the relay a neighbor went away.
func (c *Client) ReportDisconnect(ctx context.Context, nodeID string, code int) error {
	_, err := c.call(ctx, &Envelope{Op: OpReport, Target: nodeID, Code: code})
	return err
}

// Heartbeat sends one keepalive.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.call(ctx, &Envelope{Op: OpHeartbeat})
	return err
}

// RunHeartbeat sends keepalives every interval until ctx is done or the
// connection closes.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, interval)
			if err := c.Heartbeat(hbCtx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "RunHeartbeat",
					"error":    err.Error(),
				}).Warn("Heartbeat failed")
			}
			cancel()
		}
	}
}

// NodeID returns the ID this client joined with.
func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Close ends the connection and fails every pending call.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) call(ctx context.Context, env *Envelope) (*Envelope, error) {
	env.Key = uuid.NewString()
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	c.pending[env.Key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.Key)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrRelay, env.Op, resp.Error)
		}
		return resp, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Op, err)
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Op, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("Signaling connection lost")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping undecodable relay message")
			continue
		}

		if env.Key != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.Key]
			c.mu.Unlock()
			if ok {
				ch <- &env
				continue
			}
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *Envelope) {
	if c.handler == nil {
		return
	}
	switch env.Op {
	case OpPosition:
		if env.Identity == nil {
			return
		}
		if err := env.Identity.Validate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
				"error":    err.Error(),
			}).Warn("Ignoring invalid position push")
			return
		}
		c.handler.OnPosition(*env.Identity)
	case OpHandshake:
		c.handler.OnHandshake(env.From, env.Kind, env.Blob)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"op":       env.Op,
		}).Debug("Ignoring relay push")
	}
}
