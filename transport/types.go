package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnknownPeer is returned when no negotiation or link exists for a peer.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrBadHandshake is returned when a handshake blob cannot be parsed or
	// does not belong to the pending negotiation.
	ErrBadHandshake = errors.New("bad handshake blob")
	// ErrLinkClosed is returned by Send on a link that has been closed.
	ErrLinkClosed = errors.New("link closed")
	// ErrTransportClosed is returned once Close has been called.
	ErrTransportClosed = errors.New("transport closed")
)

// Frame is one message carried on a link. Control messages travel as text
// frames and chunk deliveries as binary frames.
type Frame struct {
	IsString bool
	Data     []byte
}

// Link is an open, reliable, ordered channel to one neighbor.
type Link interface {
	// Send queues the frame with the underlying channel.
	Send(f Frame) error

	// BufferedAmount returns the number of bytes queued but not yet sent.
	BufferedAmount() uint64

	// SetBufferedAmountLowThreshold sets the watermark below which the
	// low-buffer callback fires.
	SetBufferedAmountLowThreshold(threshold uint64)

	// OnBufferedAmountLow registers the low-buffer callback.
	OnBufferedAmountLow(fn func())

	// Close tears the link down.
	Close() error
}

// Handler receives link events. Callbacks may arrive on transport-owned
// goroutines; implementations are expected to hand them to their own
// event loop.
type Handler interface {
	OnOpen(peerID string, link Link)
	OnClose(peerID string)
	OnMessage(peerID string, f Frame)
}

// Transport negotiates links with neighbors using opaque handshake blobs
// that are carried over the signaling relay.
type Transport interface {
	// NegotiateOffer starts a link to peerID and returns the offer blob.
	NegotiateOffer(ctx context.Context, peerID string) ([]byte, error)

	// AcceptOffer answers an offer received from peerID.
	AcceptOffer(ctx context.Context, peerID string, offer []byte) ([]byte, error)

	// Finalize completes a negotiation started with NegotiateOffer.
	Finalize(ctx context.Context, peerID string, answer []byte) error

	// Disconnect closes the link or pending negotiation with peerID.
	Disconnect(peerID string) error

	// SetHandler installs the receiver of link events.
	SetHandler(h Handler)

	// Close shuts down every link.
	Close() error
}
