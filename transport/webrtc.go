package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// DefaultChannelLabel names the data channel opened on every peer link.
const DefaultChannelLabel = "pool"

// WebRTCOptions configures the WebRTC transport.
type WebRTCOptions struct {
	ICEServers   []string
	ChannelLabel string
}

// WebRTC carries links over one ordered, reliable data channel per
// neighbor. Handshake blobs are JSON-encoded session descriptions with
// ICE candidates already gathered, so no trickle exchange is needed.
type WebRTC struct {
	config webrtc.Configuration
	label  string

	mu      sync.Mutex
	handler Handler
	peers   map[string]*rtcPeer
	closed  bool
}

type rtcPeer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

// NewWebRTC creates a transport using the given ICE servers.
func NewWebRTC(opts WebRTCOptions) *WebRTC {
	var iceServers []webrtc.ICEServer
	for _, server := range opts.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}
	label := opts.ChannelLabel
	if label == "" {
		label = DefaultChannelLabel
	}
	return &WebRTC{
		config: webrtc.Configuration{ICEServers: iceServers},
		label:  label,
		peers:  make(map[string]*rtcPeer),
	}
}

// NegotiateOffer implements Transport.
func (w *WebRTC) NegotiateOffer(ctx context.Context, peerID string) ([]byte, error) {
	pc, err := w.newPeerConnection(peerID)
	if err != nil {
		return nil, err
	}

	ordered := true
	dc, err := pc.CreateDataChannel(w.label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		w.drop(peerID, pc)
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	w.bindChannel(peerID, pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		w.drop(peerID, pc)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	blob, err := w.gather(ctx, pc, offer)
	if err != nil {
		w.drop(peerID, pc)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NegotiateOffer",
		"peer_id":  peerID,
	}).Debug("Offer ready")
	return blob, nil
}

// AcceptOffer implements Transport.
func (w *WebRTC) AcceptOffer(ctx context.Context, peerID string, offer []byte) ([]byte, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return nil, fmt.Errorf("%w: expected offer, got %s", ErrBadHandshake, desc.Type)
	}

	pc, err := w.newPeerConnection(peerID)
	if err != nil {
		return nil, err
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != w.label {
			logrus.WithFields(logrus.Fields{
				"function": "AcceptOffer",
				"peer_id":  peerID,
				"label":    dc.Label(),
			}).Warn("Ignoring unexpected data channel")
			return
		}
		w.bindChannel(peerID, pc, dc)
	})

	if err := pc.SetRemoteDescription(desc); err != nil {
		w.drop(peerID, pc)
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		w.drop(peerID, pc)
		return nil, fmt.Errorf("create answer: %w", err)
	}
	blob, err := w.gather(ctx, pc, answer)
	if err != nil {
		w.drop(peerID, pc)
		return nil, err
	}
	return blob, nil
}

// Finalize implements Transport.
func (w *WebRTC) Finalize(ctx context.Context, peerID string, answer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrBadHandshake, desc.Type)
	}

	w.mu.Lock()
	peer, ok := w.peers[peerID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if err := peer.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return nil
}

// Disconnect implements Transport.
func (w *WebRTC) Disconnect(peerID string) error {
	w.mu.Lock()
	peer, ok := w.peers[peerID]
	delete(w.peers, peerID)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return peer.pc.Close()
}

// SetHandler implements Transport.
func (w *WebRTC) SetHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// Close implements Transport.
func (w *WebRTC) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	peers := w.peers
	w.peers = make(map[string]*rtcPeer)
	w.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *WebRTC) newPeerConnection(peerID string) (*webrtc.PeerConnection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrTransportClosed
	}

	pc, err := webrtc.NewPeerConnection(w.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	if old, ok := w.peers[peerID]; ok {
		_ = old.pc.Close()
	}
	w.peers[peerID] = &rtcPeer{pc: pc}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"peer_id":  peerID,
			"state":    state.String(),
		}).Debug("Peer connection state changed")

		if state == webrtc.PeerConnectionStateFailed {
			w.drop(peerID, pc)
		}
	})
	return pc, nil
}

func (w *WebRTC) bindChannel(peerID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	w.mu.Lock()
	if peer, ok := w.peers[peerID]; ok && peer.pc == pc {
		peer.dc = dc
	}
	w.mu.Unlock()

	link := &rtcLink{dc: dc}
	dc.OnOpen(func() {
		logrus.WithFields(logrus.Fields{
			"function": "bindChannel",
			"peer_id":  peerID,
		}).Info("Data channel open")
		if h := w.currentHandler(); h != nil {
			h.OnOpen(peerID, link)
		}
	})
	dc.OnClose(func() {
		if h := w.currentHandler(); h != nil {
			h.OnClose(peerID)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h := w.currentHandler(); h != nil {
			h.OnMessage(peerID, Frame{IsString: msg.IsString, Data: msg.Data})
		}
	})
}

// gather sets the local description and waits for ICE gathering so the
// returned blob is self-contained.
func (w *WebRTC) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) ([]byte, error) {
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(pc.LocalDescription())
}

func (w *WebRTC) drop(peerID string, pc *webrtc.PeerConnection) {
	w.mu.Lock()
	if peer, ok := w.peers[peerID]; ok && peer.pc == pc {
		delete(w.peers, peerID)
	}
	w.mu.Unlock()
	_ = pc.Close()
}

func (w *WebRTC) currentHandler() Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handler
}

type rtcLink struct {
	dc *webrtc.DataChannel
}

func (l *rtcLink) Send(f Frame) error {
	if f.IsString {
		return l.dc.SendText(string(f.Data))
	}
	return l.dc.Send(f.Data)
}

func (l *rtcLink) BufferedAmount() uint64 { return l.dc.BufferedAmount() }

func (l *rtcLink) SetBufferedAmountLowThreshold(threshold uint64) {
	l.dc.SetBufferedAmountLowThreshold(threshold)
}

func (l *rtcLink) OnBufferedAmountLow(fn func()) { l.dc.OnBufferedAmountLow(fn) }

func (l *rtcLink) Close() error { return l.dc.Close() }
