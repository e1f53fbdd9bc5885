package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/poolmesh/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	nodeA = strings.Repeat("a", 20)
	nodeB = strings.Repeat("b", 20)
)

func soloIdentity(id string) cluster.Identity {
	ident := cluster.Identity{ID: id, Path: cluster.Path{1}, CenterCluster: true}
	ident.ParentClusterNodes[1][0] = id
	return ident
}

// fakeRelay answers every request and records what it saw.
type fakeRelay struct {
	mu       sync.Mutex
	received []Envelope
	conn     *websocket.Conn
	connCh   chan struct{}
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	close(f.connCh)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, env)
		f.mu.Unlock()

		resp := Envelope{Key: env.Key, Op: env.Op}
		switch env.Op {
		case OpJoin:
			if env.Pool == "closed" {
				resp.Error = "pool is closed"
				break
			}
			ident := soloIdentity(env.NodeID)
			resp.Identity = &ident
		case OpHandshake:
			if env.Target == "" {
				resp.Error = "no target"
			}
		case "silent":
			continue
		}
		if err := f.write(resp); err != nil {
			return
		}
	}
}

func (f *fakeRelay) write(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteJSON(env)
}

func (f *fakeRelay) seen() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.received...)
}

type recordingHandler struct {
	positions  chan cluster.Identity
	handshakes chan Envelope
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		positions:  make(chan cluster.Identity, 4),
		handshakes: make(chan Envelope, 4),
	}
}

func (h *recordingHandler) OnPosition(id cluster.Identity) { h.positions <- id }

func (h *recordingHandler) OnHandshake(from string, kind HandshakeKind, blob []byte) {
	h.handshakes <- Envelope{From: from, Kind: kind, Blob: blob}
}

func startRelay(t *testing.T) (*fakeRelay, *Client, *recordingHandler) {
	t.Helper()
	relay := &fakeRelay{connCh: make(chan struct{})}
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	handler := newRecordingHandler()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), handler)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	<-relay.connCh
	return relay, client, handler
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJoin(t *testing.T) {
	_, client, _ := startRelay(t)

	ident, err := client.Join(testContext(t), "lobby", nodeA)
	require.NoError(t, err)
	assert.Equal(t, nodeA, ident.ID)
	assert.Equal(t, cluster.Path{1}, ident.Path)
	assert.Equal(t, nodeA, client.NodeID())

	_, err = client.Join(testContext(t), "closed", nodeA)
	assert.ErrorIs(t, err, ErrRelay)
	assert.Contains(t, err.Error(), "pool is closed")
}

func TestRequestsCarryKeys(t *testing.T) {
	relay, client, _ := startRelay(t)
	ctx := testContext(t)

	require.NoError(t, client.SendHandshake(ctx, nodeB, HandshakeOffer, []byte("sdp")))
	require.NoError(t, client.ReportDisconnect(ctx, nodeB, 4))
	require.NoError(t, client.Heartbeat(ctx))
	assert.ErrorIs(t, client.SendHandshake(ctx, "", HandshakeOffer, nil), ErrRelay)

	seen := relay.seen()
	require.Len(t, seen, 4)
	keys := map[string]bool{}
	for _, env := range seen {
		assert.NotEmpty(t, env.Key)
		keys[env.Key] = true
	}
	assert.Len(t, keys, 4)

	assert.Equal(t, OpHandshake, seen[0].Op)
	assert.Equal(t, nodeB, seen[0].Target)
	assert.Equal(t, HandshakeOffer, seen[0].Kind)
	assert.Equal(t, []byte("sdp"), seen[0].Blob)
	assert.Equal(t, OpReport, seen[1].Op)
	assert.Equal(t, 4, seen[1].Code)
	assert.Equal(t, OpHeartbeat, seen[2].Op)
}

func TestPushesReachHandler(t *testing.T) {
	relay, _, handler := startRelay(t)

	ident := soloIdentity(nodeA)
	require.NoError(t, relay.write(Envelope{Op: OpPosition, Identity: &ident}))
	require.NoError(t, relay.write(Envelope{Op: OpHandshake, From: nodeB, Kind: HandshakeAnswer, Blob: []byte("answer")}))

	bad := cluster.Identity{ID: nodeA}
	require.NoError(t, relay.write(Envelope{Op: OpPosition, Identity: &bad}))

	select {
	case got := <-handler.positions:
		assert.Equal(t, ident, got)
	case <-time.After(2 * time.Second):
		t.Fatal("position push not delivered")
	}
	select {
	case got := <-handler.handshakes:
		assert.Equal(t, nodeB, got.From)
		assert.Equal(t, HandshakeAnswer, got.Kind)
		assert.Equal(t, []byte("answer"), got.Blob)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake push not delivered")
	}

	select {
	case got := <-handler.positions:
		t.Fatalf("invalid identity delivered: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallHonoursContextAndClose(t *testing.T) {
	_, client, _ := startRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.call(ctx, &Envelope{Op: "silent"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, client.Close())
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, client.Heartbeat(testContext(t)), ErrClosed)
}

func TestEnvelopeWireNames(t *testing.T) {
	data, err := json.Marshal(Envelope{Key: "k", Op: OpHandshake, Target: nodeB, Blob: []byte{1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"k","op":"handshake","target":"`+nodeB+`","blob":"AQ=="}`, string(data))
}

func TestRunHeartbeat(t *testing.T) {
	relay, client, _ := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.RunHeartbeat(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, env := range relay.seen() {
			if env.Op == OpHeartbeat {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunHeartbeat did not stop")
	}
}
