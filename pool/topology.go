package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/messaging"
	"github.com/opd-ai/poolmesh/signaling"
	"github.com/opd-ai/poolmesh/transport"
	"github.com/sirupsen/logrus"
)

// handshakeTimeout bounds one link negotiation.
const handshakeTimeout = 30 * time.Second

// ApplyIdentity installs a tree position assigned by the relay and
// reconciles links with the new neighbor set.
func (n *Node) ApplyIdentity(ctx context.Context, id cluster.Identity) error {
	return n.do(ctx, func() error { return n.applyIdentity(id) })
}

// OnPosition implements signaling.Handler.
func (n *Node) OnPosition(id cluster.Identity) {
	n.Post(func() {
		if err := n.applyIdentity(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnPosition",
				"node_id":  n.id,
				"error":    err.Error(),
			}).Warn("Ignoring position push")
		}
	})
}

func (n *Node) applyIdentity(id cluster.Identity) error {
	if id.ID != n.id {
		return fmt.Errorf("%w: identity for %s applied to %s", cluster.ErrInvalidIdentity, id.ID, n.id)
	}

	var diff cluster.Diff
	first := n.router == nil
	if first {
		r, err := cluster.NewRouter(id)
		if err != nil {
			return err
		}
		n.router = r
		diff.Added = r.Neighbors()
	} else {
		d, err := n.router.SetIdentity(id)
		if err != nil {
			return err
		}
		diff = d
	}

	for _, nb := range diff.Removed {
		n.flow.Remove(nb.NodeID)
		if err := n.tr.Disconnect(nb.NodeID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "applyIdentity",
				"peer_id":  nb.NodeID,
				"error":    err.Error(),
			}).Debug("Disconnect of former neighbor failed")
		}
		delete(n.links, nb.NodeID)
		if !n.router.Reachable(nb.NodeID) {
			n.engine.CancelRequester(nb.NodeID)
		}
	}
	for _, nb := range diff.Moved {
		if link, ok := n.links[nb.NodeID]; ok {
			n.flow.AddLink(nb.NodeID, nb.Position, link)
		}
	}
	for _, nb := range diff.Added {
		if _, ok := n.links[nb.NodeID]; ok {
			n.attach(nb.NodeID)
			continue
		}
		// The lower ID offers so each pair negotiates once.
		if n.id < nb.NodeID {
			go n.dial(nb.NodeID)
		}
	}

	if first {
		n.broadcast(&messaging.NodeState{Nickname: n.cfg.Pool.Nickname, Alive: true})
	}
	return nil
}

// dial negotiates a link to peerID through the relay.
func (n *Node) dial(peerID string) {
	sig := n.signaler()
	if sig == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"peer_id":  peerID,
		}).Warn("No signaler, cannot open link")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	blob, err := n.tr.NegotiateOffer(ctx, peerID)
	if err == nil {
		err = sig.SendHandshake(ctx, peerID, signaling.HandshakeOffer, blob)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Link offer failed")
	}
}

// OnHandshake implements signaling.Handler.
func (n *Node) OnHandshake(from string, kind signaling.HandshakeKind, blob []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()

		var err error
		switch kind {
		case signaling.HandshakeOffer:
			var answer []byte
			answer, err = n.tr.AcceptOffer(ctx, from, blob)
			if err == nil {
				sig := n.signaler()
				if sig == nil {
					err = fmt.Errorf("no signaler to answer %s", from)
				} else {
					err = sig.SendHandshake(ctx, from, signaling.HandshakeAnswer, answer)
				}
			}
		case signaling.HandshakeAnswer:
			err = n.tr.Finalize(ctx, from, blob)
		default:
			err = fmt.Errorf("unknown handshake kind %q", kind)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnHandshake",
				"peer_id":  from,
				"kind":     kind,
				"error":    err.Error(),
			}).Warn("Handshake failed")
		}
	}()
}

// OnOpen implements transport.Handler.
func (n *Node) OnOpen(peerID string, link transport.Link) {
	n.Post(func() {
		n.links[peerID] = link
		n.attach(peerID)
	})
}

// attach hands an open link to flow control once the peer's slot is known
// and asks it for recent messages.
func (n *Node) attach(peerID string) {
	link, ok := n.links[peerID]
	if !ok || n.router == nil {
		return
	}
	pos, ok := n.router.PositionOf(peerID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "attach",
			"peer_id":  peerID,
		}).Debug("Link to non-neighbor held until position update")
		return
	}

	link.SetBufferedAmountLowThreshold(n.cfg.Flow.Threshold / 2)
	link.OnBufferedAmountLow(func() { n.flow.OnBufferedAmountLow(peerID) })
	n.flow.AddLink(peerID, pos, link)

	logrus.WithFields(logrus.Fields{
		"function": "attach",
		"node_id":  n.id,
		"peer_id":  peerID,
		"position": pos,
	}).Info("Neighbor link attached")

	path, _ := n.router.PathOf(peerID)
	req := n.newMessage(&messaging.LatestRequest{Since: n.latestSeen()})
	n.send(req.To(cluster.Destination{NodeID: peerID, Path: path}))
}

// OnClose implements transport.Handler.
func (n *Node) OnClose(peerID string) {
	n.Post(func() {
		delete(n.links, peerID)
		n.flow.Remove(peerID)
		if n.router == nil {
			return
		}
		// A neighbor keeps its slot until the next position push, but
		// chunks for it would only queue on a link that is gone.
		_, neighbor := n.router.PositionOf(peerID)
		if neighbor || !n.router.Reachable(peerID) {
			n.engine.CancelRequester(peerID)
		}
		if !neighbor {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "OnClose",
			"node_id":  n.id,
			"peer_id":  peerID,
		}).Warn("Neighbor link closed")
		if sig := n.signaler(); sig != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
				defer cancel()
				if err := sig.ReportDisconnect(ctx, peerID, CodeLinkClosed); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "OnClose",
						"peer_id":  peerID,
						"error":    err.Error(),
					}).Warn("Disconnect report failed")
				}
			}()
		}
	})
}

// Identity returns the current tree position.
func (n *Node) Identity(ctx context.Context) (cluster.Identity, error) {
	var id cluster.Identity
	err := n.do(ctx, func() error {
		if n.router == nil {
			return ErrNotJoined
		}
		id = n.router.Identity()
		return nil
	})
	return id, err
}

// LinkCount returns the number of neighbor links attached to flow control.
func (n *Node) LinkCount(ctx context.Context) (int, error) {
	count := 0
	err := n.do(ctx, func() error {
		for peer := range n.links {
			if _, ok := n.flow.Position(peer); ok {
				count++
			}
		}
		return nil
	})
	return count, err
}
