package pool

import (
	"context"

	"github.com/opd-ai/poolmesh/cache"
	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/file"
	"github.com/opd-ai/poolmesh/messaging"
	"github.com/opd-ai/poolmesh/transport"
	"github.com/opd-ai/poolmesh/wire"
	"github.com/sirupsen/logrus"
)

// maxLatestReply bounds how many remembered messages one reply carries.
const maxLatestReply = 64

// OnMessage implements transport.Handler.
func (n *Node) OnMessage(peerID string, f transport.Frame) {
	data := f.Data
	if f.IsString {
		n.Post(func() { n.handleText(peerID, data) })
		return
	}
	n.Post(func() { n.handleChunk(peerID, data) })
}

func (n *Node) malformed(peerID string, err error) {
	n.count(func(s *Stats) { s.MalformedFrames++ })
	logrus.WithFields(logrus.Fields{
		"function": "handleFrame",
		"peer_id":  peerID,
		"error":    err.Error(),
	}).Warn("Dropping malformed frame")
}

// handleChunk relays, caches and delivers one binary frame.
func (n *Node) handleChunk(peerID string, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		n.malformed(peerID, err)
		return
	}
	if n.router == nil {
		return
	}
	n.router.Observe(f.Source)

	hint := n.cacheHint(f.ChunkNumber)
	dec := n.router.Route(cluster.RouteInput{
		Source:         f.Source,
		From:           peerID,
		Destinations:   f.Destinations,
		PartnerIntPath: &hint,
	})

	if !dec.Consumed {
		var total uint32
		if o, ok := n.offers[f.FileID]; ok {
			total = o.info.TotalChunks
		}
		accepted, err := n.store.Accept(context.Background(), cache.Chunk{
			FileID:      f.FileID,
			Number:      f.ChunkNumber,
			TotalChunks: total,
			Payload:     f.Payload,
		}, &hint, n.router.PartnerInt())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleChunk",
				"file_id":  f.FileID,
				"chunk":    f.ChunkNumber,
				"error":    err.Error(),
			}).Warn("Cache write failed")
		}
		if accepted {
			n.count(func(s *Stats) { s.ChunksCached++ })
		}
	}

	if dec.Deliver {
		n.count(func(s *Stats) { s.ChunksReceived++ })
		if _, err := n.downloads.HandleChunk(f.FileID, f.ChunkNumber, f.Payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleChunk",
				"file_id":  f.FileID,
				"chunk":    f.ChunkNumber,
				"error":    err.Error(),
			}).Warn("Failed to store received chunk")
		}
	}

	if len(dec.Targets) > 0 || len(dec.Unroutable) > 0 {
		sent, _ := n.writeChunk(dec, *f)
		if sent > 0 {
			n.count(func(s *Stats) { s.ChunksForwarded += uint64(sent) })
		}
	}
}

// handleText relays and handles one control message.
func (n *Node) handleText(peerID string, data []byte) {
	msg, err := messaging.Unmarshal(data)
	if err != nil {
		n.malformed(peerID, err)
		return
	}
	if n.router == nil {
		return
	}
	if !n.dedup.CheckAndStore(msg.ID, msg.Created) {
		return
	}
	n.router.Observe(msg.Source)

	dec := n.router.Route(cluster.RouteInput{
		Source:         msg.Source,
		From:           peerID,
		Destinations:   msg.Destinations,
		PartnerIntPath: msg.PartnerIntPath,
	})
	if msg.Broadcast() {
		n.remember(msg)
	}
	if msg.Broadcast() || dec.Deliver {
		n.handleMessage(msg)
	}
	if !dec.Deliver && msg.Type == messaging.TypeFileRequest && len(dec.Targets) > 0 {
		n.serveFromCache(msg.FileRequest)
	}
	if sent := n.forward(msg, dec); sent > 0 {
		n.count(func(s *Stats) { s.MessagesForwarded += uint64(sent) })
	}
}

// handleMessage applies a message delivered to this node.
func (n *Node) handleMessage(msg *messaging.Message) {
	n.count(func(s *Stats) { s.MessagesHandled++ })
	log := logrus.WithFields(logrus.Fields{
		"function":   "handleMessage",
		"message_id": msg.ID,
		"type":       msg.Type,
		"source":     msg.Source.NodeID,
	})

	switch msg.Type {
	case messaging.TypeNodeState:
		if !msg.NodeState.Alive {
			n.router.Forget(msg.Source.NodeID)
			if !n.router.Reachable(msg.Source.NodeID) {
				n.engine.CancelRequester(msg.Source.NodeID)
			}
			n.dropSeeder(msg.Source.NodeID)
		}
	case messaging.TypeLatestRequest:
		n.replyLatest(msg)
	case messaging.TypeLatestReply:
		for _, inner := range msg.LatestReply.Messages {
			if !n.dedup.CheckAndStore(inner.ID, inner.Created) {
				continue
			}
			n.router.Observe(inner.Source)
			if inner.Broadcast() {
				n.remember(inner)
				n.handleMessage(inner)
			}
		}
	case messaging.TypeFileOffer:
		n.recordOffer(msg.Source.NodeID, msg.FileOffer, false)
	case messaging.TypeMediaOffer:
		n.recordOffer(msg.Source.NodeID, &msg.MediaOffer.FileOffer, true)
	case messaging.TypeFileRequest:
		req := msg.FileRequest
		err := n.engine.Request(file.Request{
			FileID:        req.FileID,
			RequesterID:   req.RequesterID,
			MissingRanges: req.MissingRanges,
			Covered:       req.CoveredCacheChunks,
		})
		if err != nil {
			log.WithField("error", err.Error()).Debug("File request not served")
		}
	case messaging.TypeMediaHintRequest:
		req := msg.MediaHintRequest
		total, ok := n.fileTotal(req.FileID)
		if !ok || req.StartChunk >= total {
			log.Debug("Media hint for unknown file or past its end")
			return
		}
		err := n.engine.Request(file.Request{
			FileID:        req.FileID,
			RequesterID:   req.RequesterID,
			MissingRanges: []chunkrange.Range{{Start: req.StartChunk, End: total - 1}},
		})
		if err != nil {
			log.WithField("error", err.Error()).Debug("Media request not served")
		}
	case messaging.TypeRetract:
		if o, ok := n.offers[msg.Retract.FileID]; ok {
			o.seeders = without(o.seeders, msg.Source.NodeID)
			if len(o.seeders) == 0 {
				delete(n.offers, msg.Retract.FileID)
				n.cached.Forget(msg.Retract.FileID)
			}
		}
	}

	if n.onDeliver != nil {
		n.onDeliver(msg)
	}
}

// fileTotal returns the chunk count of a file this node can serve.
func (n *Node) fileTotal(fileID string) (uint32, bool) {
	if total, ok := n.disk.TotalChunks(fileID); ok {
		return total, true
	}
	return n.cached.TotalChunks(fileID)
}

func (n *Node) recordOffer(seeder string, fo *messaging.FileOffer, media bool) {
	o, ok := n.offers[fo.FileID]
	if !ok {
		o = &offer{
			info: file.Info{
				FileID:      fo.FileID,
				Name:        fo.Name,
				Size:        fo.Size,
				ChunkSize:   fo.ChunkSize,
				TotalChunks: fo.TotalChunks,
				MimeType:    fo.MimeType,
			},
			media: media,
		}
		n.offers[fo.FileID] = o
		n.cached.SetTotal(fo.FileID, fo.TotalChunks)
	}
	for _, s := range o.seeders {
		if s == seeder {
			return
		}
	}
	o.seeders = append(o.seeders, seeder)
	if d, ok := n.downloads.Get(fo.FileID); ok {
		d.AddSeeder(seeder)
	}
}

// dropSeeder forgets every offer of a member that left.
func (n *Node) dropSeeder(nodeID string) {
	for id, o := range n.offers {
		o.seeders = without(o.seeders, nodeID)
		if len(o.seeders) == 0 {
			delete(n.offers, id)
			n.cached.Forget(id)
		}
	}
}

func without(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// replyLatest answers a neighbor's catch-up request with the broadcasts
// remembered since the requested time.
func (n *Node) replyLatest(req *messaging.Message) {
	var msgs []*messaging.Message
	for _, m := range n.history {
		if m.Created.After(req.LatestRequest.Since) {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) > maxLatestReply {
		msgs = msgs[len(msgs)-maxLatestReply:]
	}
	if len(msgs) == 0 {
		return
	}

	dests, err := n.destinationsFor([]string{req.Source.NodeID})
	if err != nil {
		return
	}
	reply := n.newMessage(&messaging.LatestReply{Messages: msgs}).To(dests...)
	if err := reply.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "replyLatest",
			"peer_id":  req.Source.NodeID,
			"error":    err.Error(),
		}).Warn("Catch-up reply rejected")
		return
	}
	n.send(reply)
}

// serveFromCache answers the part of a passing file request that this
// relay holds as complete cache chunks. The served indices are added to
// the request's covered set so the seeder skips them.
func (n *Node) serveFromCache(req *messaging.FileRequest) {
	if req.RequesterID == n.id {
		return
	}
	total, ok := n.cached.TotalChunks(req.FileID)
	if !ok {
		return
	}
	covered := n.store.CoveredIndices(req.FileID)
	if len(covered) == 0 {
		return
	}
	for _, id := range n.engine.Requesters(req.FileID) {
		if id == req.RequesterID {
			return
		}
	}

	held := make(map[uint32]struct{}, len(req.CoveredCacheChunks))
	for _, idx := range req.CoveredCacheChunks {
		held[idx] = struct{}{}
	}
	var (
		serve   []chunkrange.Range
		indices []uint32
	)
	for _, idx := range covered {
		if _, ok := held[idx]; ok {
			continue
		}
		bounds := chunkrange.CacheChunkBounds(idx, n.store.Factor())
		if bounds.Start >= total {
			continue
		}
		if bounds.End >= total {
			bounds.End = total - 1
		}
		wanted := []chunkrange.Range{bounds}
		if req.MissingRanges != nil {
			wanted = intersect(req.MissingRanges, bounds)
		}
		if len(wanted) == 0 {
			continue
		}
		for _, r := range wanted {
			serve = chunkrange.Add(serve, r)
		}
		indices = append(indices, idx)
	}
	if len(serve) == 0 {
		return
	}

	err := n.engine.Request(file.Request{
		FileID:        req.FileID,
		RequesterID:   req.RequesterID,
		MissingRanges: serve,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serveFromCache",
			"file_id":  req.FileID,
			"error":    err.Error(),
		}).Debug("Cache cannot serve request")
		return
	}
	req.CoveredCacheChunks = append(req.CoveredCacheChunks, indices...)

	logrus.WithFields(logrus.Fields{
		"function":     "serveFromCache",
		"file_id":      req.FileID,
		"requester_id": req.RequesterID,
		"cache_chunks": len(indices),
	}).Info("Serving request from relay cache")
}

// intersect clips ranges to r.
func intersect(ranges []chunkrange.Range, r chunkrange.Range) []chunkrange.Range {
	var out []chunkrange.Range
	for _, m := range ranges {
		lo, hi := max(m.Start, r.Start), min(m.End, r.End)
		if lo <= hi {
			out = append(out, chunkrange.Range{Start: lo, End: hi})
		}
	}
	return out
}
