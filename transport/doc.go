// Package transport abstracts the peer links a pool node keeps with its
// cluster neighbors.
//
// A link is negotiated in three steps using opaque handshake blobs that the
// caller relays through the signaling server:
//
//	offer, _ := a.NegotiateOffer(ctx, "b")      // on node a
//	answer, _ := b.AcceptOffer(ctx, "a", offer) // on node b
//	_ = a.Finalize(ctx, "b", answer)            // on node a
//
// Once open, both ends receive Handler.OnOpen with a Link. Links carry text
// frames (control messages) and binary frames (chunk deliveries) in order,
// and expose the buffered byte count plus a low-buffer callback so the flow
// controller can pace chunk traffic.
//
// Two implementations are provided: WebRTC, which opens one pion data
// channel per neighbor, and MemoryNetwork, an in-process network used by
// tests and simulations whose links can be held to build up a buffered
// amount and released to trigger the low-buffer callback.
package transport
