package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MemoryNetwork connects MemoryTransports inside one process. Links deliver
// synchronously and in order; a link can be held to simulate a congested
// data channel whose buffered amount grows until released.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// Transport returns the transport for nodeID, attaching it on first use.
func (n *MemoryNetwork) Transport(nodeID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.nodes[nodeID]; ok {
		return t
	}
	t := &MemoryTransport{
		network:  n,
		id:       nodeID,
		offers:   make(map[string]string),
		accepted: make(map[string]string),
		links:    make(map[string]*MemoryLink),
	}
	n.nodes[nodeID] = t
	return t
}

// Link returns nodeID's side of its link to peerID, or nil.
func (n *MemoryNetwork) Link(nodeID, peerID string) *MemoryLink {
	t := n.lookup(nodeID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[peerID]
}

func (n *MemoryNetwork) lookup(nodeID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[nodeID]
}

func (n *MemoryNetwork) detach(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, nodeID)
}

type memoryHandshake struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Nonce  string `json:"nonce"`
	Answer bool   `json:"answer"`
}

func parseHandshake(blob []byte) (memoryHandshake, error) {
	var h memoryHandshake
	if err := json.Unmarshal(blob, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return h, nil
}

// MemoryTransport is one node's attachment to a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	id      string

	mu       sync.Mutex
	handler  Handler
	offers   map[string]string // peer -> nonce we offered
	accepted map[string]string // peer -> nonce we answered
	links    map[string]*MemoryLink
	closed   bool
}

// NegotiateOffer implements Transport.
func (t *MemoryTransport) NegotiateOffer(ctx context.Context, peerID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	h := memoryHandshake{From: t.id, To: peerID, Nonce: uuid.NewString()}
	t.offers[peerID] = h.Nonce
	return json.Marshal(h)
}

// AcceptOffer implements Transport.
func (t *MemoryTransport) AcceptOffer(ctx context.Context, peerID string, offer []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := parseHandshake(offer)
	if err != nil {
		return nil, err
	}
	if h.Answer || h.From != peerID || h.To != t.id {
		return nil, fmt.Errorf("%w: offer %s->%s not addressed from %s", ErrBadHandshake, h.From, h.To, peerID)
	}
	if t.network.lookup(peerID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	t.accepted[peerID] = h.Nonce
	return json.Marshal(memoryHandshake{From: t.id, To: peerID, Nonce: h.Nonce, Answer: true})
}

// Finalize implements Transport. Both ends see OnOpen before it returns.
func (t *MemoryTransport) Finalize(ctx context.Context, peerID string, answer []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := parseHandshake(answer)
	if err != nil {
		return err
	}

	t.mu.Lock()
	nonce, ok := t.offers[peerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending offer for %s", ErrUnknownPeer, peerID)
	}
	if !h.Answer || h.From != peerID || h.To != t.id || h.Nonce != nonce {
		return fmt.Errorf("%w: answer does not match offer to %s", ErrBadHandshake, peerID)
	}

	remote := t.network.lookup(peerID)
	if remote == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	remote.mu.Lock()
	if remote.accepted[t.id] != nonce {
		remote.mu.Unlock()
		return fmt.Errorf("%w: %s never accepted the offer", ErrBadHandshake, peerID)
	}
	delete(remote.accepted, t.id)
	remote.mu.Unlock()

	local := &MemoryLink{owner: t, peerID: peerID}
	far := &MemoryLink{owner: remote, peerID: t.id}
	local.peer, far.peer = far, local

	// Replace any link left over from an earlier negotiation.
	t.replaceLink(peerID, local)
	remote.replaceLink(t.id, far)

	t.mu.Lock()
	delete(t.offers, peerID)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Finalize",
		"node_id":  t.id,
		"peer_id":  peerID,
	}).Debug("Memory link open")

	remote.emitOpen(t.id, far)
	t.emitOpen(peerID, local)
	return nil
}

func (t *MemoryTransport) replaceLink(peerID string, l *MemoryLink) {
	t.mu.Lock()
	old := t.links[peerID]
	t.links[peerID] = l
	t.mu.Unlock()
	if old != nil {
		old.markClosed()
	}
}

// Disconnect implements Transport.
func (t *MemoryTransport) Disconnect(peerID string) error {
	t.mu.Lock()
	delete(t.offers, peerID)
	delete(t.accepted, peerID)
	l := t.links[peerID]
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// SetHandler implements Transport.
func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*MemoryLink, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	t.network.detach(t.id)
	return nil
}

func (t *MemoryTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *MemoryTransport) emitOpen(peerID string, l *MemoryLink) {
	if h := t.currentHandler(); h != nil {
		h.OnOpen(peerID, l)
	}
}

func (t *MemoryTransport) dropLink(peerID string, l *MemoryLink) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[peerID] != l {
		return false
	}
	delete(t.links, peerID)
	return true
}

// MemoryLink is one side of an in-process link.
type MemoryLink struct {
	owner  *MemoryTransport
	peerID string
	peer   *MemoryLink

	mu        sync.Mutex
	closed    bool
	held      bool
	queue     []Frame
	buffered  uint64
	threshold uint64
	onLow     func()
}

// Send implements Link.
func (l *MemoryLink) Send(f Frame) error {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.held {
		l.queue = append(l.queue, f)
		l.buffered += uint64(len(f.Data))
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	l.deliver(f)
	return nil
}

func (l *MemoryLink) deliver(f Frame) {
	if h := l.peer.owner.currentHandler(); h != nil {
		h.OnMessage(l.owner.id, f)
	}
}

// BufferedAmount implements Link.
func (l *MemoryLink) BufferedAmount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffered
}

// SetBufferedAmountLowThreshold implements Link.
func (l *MemoryLink) SetBufferedAmountLowThreshold(threshold uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threshold = threshold
}

// OnBufferedAmountLow implements Link.
func (l *MemoryLink) OnBufferedAmountLow(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLow = fn
}

// Hold makes subsequent sends accumulate in the buffered amount instead of
// being delivered.
func (l *MemoryLink) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
}

// Release delivers everything held, in order, and fires the low-buffer
// callback if the buffered amount fell from above the threshold.
func (l *MemoryLink) Release() {
	l.mu.Lock()
	queue := l.queue
	wasHigh := l.buffered > l.threshold
	l.queue = nil
	l.buffered = 0
	l.held = false
	onLow := l.onLow
	closed := l.closed
	l.mu.Unlock()

	if closed {
		return
	}
	for _, f := range queue {
		l.deliver(f)
	}
	if wasHigh && onLow != nil {
		onLow()
	}
}

// Close implements Link. Both sides observe OnClose.
func (l *MemoryLink) Close() error {
	if !l.markClosed() {
		return nil
	}
	l.peer.markClosed()

	if l.owner.dropLink(l.peerID, l) {
		if h := l.owner.currentHandler(); h != nil {
			h.OnClose(l.peerID)
		}
	}
	if l.peer.owner.dropLink(l.owner.id, l.peer) {
		if h := l.peer.owner.currentHandler(); h != nil {
			h.OnClose(l.owner.id)
		}
	}
	return nil
}

func (l *MemoryLink) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.queue = nil
	l.buffered = 0
	return true
}
