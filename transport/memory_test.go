package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	opened   map[string]Link
	closed   []string
	messages []Frame
	from     []string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{opened: make(map[string]Link)}
}

func (h *recordingHandler) OnOpen(peerID string, link Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened[peerID] = link
}

func (h *recordingHandler) OnClose(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, peerID)
}

func (h *recordingHandler) OnMessage(peerID string, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.from = append(h.from, peerID)
	h.messages = append(h.messages, f)
}

func connect(t *testing.T, net *MemoryNetwork, a, b string) (*recordingHandler, *recordingHandler) {
	t.Helper()
	ctx := context.Background()
	ta, tb := net.Transport(a), net.Transport(b)
	ha, hb := newRecordingHandler(), newRecordingHandler()
	ta.SetHandler(ha)
	tb.SetHandler(hb)

	offer, err := ta.NegotiateOffer(ctx, b)
	require.NoError(t, err)
	answer, err := tb.AcceptOffer(ctx, a, offer)
	require.NoError(t, err)
	require.NoError(t, ta.Finalize(ctx, b, answer))
	return ha, hb
}

func TestMemoryHandshakeOpensBothEnds(t *testing.T) {
	net := NewMemoryNetwork()
	ha, hb := connect(t, net, "a", "b")

	require.Contains(t, ha.opened, "b")
	require.Contains(t, hb.opened, "a")

	require.NoError(t, ha.opened["b"].Send(Frame{IsString: true, Data: []byte("hi")}))
	require.NoError(t, hb.opened["a"].Send(Frame{Data: []byte{1, 2, 3}}))

	require.Len(t, hb.messages, 1)
	assert.Equal(t, "a", hb.from[0])
	assert.True(t, hb.messages[0].IsString)
	assert.Equal(t, []byte("hi"), hb.messages[0].Data)

	require.Len(t, ha.messages, 1)
	assert.False(t, ha.messages[0].IsString)
	assert.Equal(t, []byte{1, 2, 3}, ha.messages[0].Data)
}

func TestMemoryHandshakeRejectsMismatch(t *testing.T) {
	net := NewMemoryNetwork()
	ctx := context.Background()
	ta, tb, tc := net.Transport("a"), net.Transport("b"), net.Transport("c")

	offer, err := ta.NegotiateOffer(ctx, "b")
	require.NoError(t, err)

	_, err = tc.AcceptOffer(ctx, "a", offer)
	assert.ErrorIs(t, err, ErrBadHandshake, "offer addressed to someone else")

	_, err = tb.AcceptOffer(ctx, "a", []byte("not json"))
	assert.ErrorIs(t, err, ErrBadHandshake)

	answer, err := tb.AcceptOffer(ctx, "a", offer)
	require.NoError(t, err)
	assert.ErrorIs(t, tc.Finalize(ctx, "b", answer), ErrUnknownPeer, "no offer pending")
	assert.ErrorIs(t, ta.Finalize(ctx, "b", offer), ErrBadHandshake, "offer is not an answer")
	assert.NoError(t, ta.Finalize(ctx, "b", answer))
}

func TestMemoryHoldAndRelease(t *testing.T) {
	net := NewMemoryNetwork()
	ha, hb := connect(t, net, "a", "b")
	link := net.Link("a", "b")
	require.NotNil(t, link)

	fired := 0
	link.SetBufferedAmountLowThreshold(4)
	link.OnBufferedAmountLow(func() { fired++ })
	link.Hold()

	for i := 0; i < 3; i++ {
		require.NoError(t, ha.opened["b"].Send(Frame{Data: []byte{byte(i), 0, 0}}))
	}
	assert.Equal(t, uint64(9), link.BufferedAmount())
	assert.Empty(t, hb.messages)

	link.Release()
	assert.Equal(t, uint64(0), link.BufferedAmount())
	assert.Equal(t, 1, fired)
	require.Len(t, hb.messages, 3)
	for i, f := range hb.messages {
		assert.Equal(t, byte(i), f.Data[0], "held frames keep their order")
	}
}

func TestMemoryCloseNotifiesBothEnds(t *testing.T) {
	net := NewMemoryNetwork()
	ha, hb := connect(t, net, "a", "b")

	require.NoError(t, net.Transport("b").Disconnect("a"))
	assert.Equal(t, []string{"b"}, ha.closed)
	assert.Equal(t, []string{"a"}, hb.closed)
	assert.Nil(t, net.Link("a", "b"))

	err := ha.opened["b"].Send(Frame{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrLinkClosed)

	assert.NoError(t, ha.opened["b"].Close(), "closing twice is a no-op")
	assert.Len(t, ha.closed, 1)
}

func TestMemoryTransportClose(t *testing.T) {
	net := NewMemoryNetwork()
	ha, hb := connect(t, net, "a", "b")
	require.NoError(t, net.Transport("a").Close())

	assert.Equal(t, []string{"b"}, ha.closed)
	assert.Equal(t, []string{"a"}, hb.closed)

	_, err := net.Transport("b").NegotiateOffer(context.Background(), "a")
	require.NoError(t, err)
}
