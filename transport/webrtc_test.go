package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebRTCRejectsBadBlobs(t *testing.T) {
	w := NewWebRTC(WebRTCOptions{})
	defer w.Close()
	ctx := context.Background()

	_, err := w.AcceptOffer(ctx, "peer", []byte("{"))
	assert.ErrorIs(t, err, ErrBadHandshake)

	answer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	require.NoError(t, err)
	_, err = w.AcceptOffer(ctx, "peer", answer)
	assert.ErrorIs(t, err, ErrBadHandshake, "an answer is not an offer")

	assert.ErrorIs(t, w.Finalize(ctx, "peer", answer), ErrUnknownPeer)
}

func TestWebRTCClosedTransport(t *testing.T) {
	w := NewWebRTC(WebRTCOptions{ChannelLabel: "test"})
	require.NoError(t, w.Close())
	_, err := w.NegotiateOffer(context.Background(), "peer")
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestWebRTCLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE agents")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, b := NewWebRTC(WebRTCOptions{}), NewWebRTC(WebRTCOptions{})
	defer a.Close()
	defer b.Close()

	ha, hb := newChanHandler(), newChanHandler()
	a.SetHandler(ha)
	b.SetHandler(hb)

	offer, err := a.NegotiateOffer(ctx, "b")
	require.NoError(t, err)
	answer, err := b.AcceptOffer(ctx, "a", offer)
	require.NoError(t, err)
	require.NoError(t, a.Finalize(ctx, "b", answer))

	var link Link
	select {
	case link = <-ha.open:
	case <-ctx.Done():
		t.Skip("no usable ICE candidates in this environment")
	}
	require.NoError(t, link.Send(Frame{IsString: true, Data: []byte("ping")}))

	select {
	case f := <-hb.message:
		assert.True(t, f.IsString)
		assert.Equal(t, "ping", string(f.Data))
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

type chanHandler struct {
	open    chan Link
	message chan Frame
}

func newChanHandler() *chanHandler {
	return &chanHandler{open: make(chan Link, 1), message: make(chan Frame, 8)}
}

func (h *chanHandler) OnOpen(_ string, l Link) {
	select {
	case h.open <- l:
	default:
	}
}

func (h *chanHandler) OnClose(string) {}

func (h *chanHandler) OnMessage(_ string, f Frame) { h.message <- f }
