package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/file"
	"github.com/opd-ai/poolmesh/messaging"
	"github.com/opd-ai/poolmesh/transport"
	"github.com/opd-ai/poolmesh/wire"
	"github.com/sirupsen/logrus"
)

// ErrUnreachable is returned when a destination has no known path.
var ErrUnreachable = errors.New("node unreachable")

func (n *Node) newMessage(p messaging.Payload) *messaging.Message {
	return messaging.New(n.router.Self(), n.now(), p)
}

// latestSeen is the creation time of the newest remembered message.
func (n *Node) latestSeen() time.Time {
	var t time.Time
	for _, m := range n.history {
		if m.Created.After(t) {
			t = m.Created
		}
	}
	return t
}

func (n *Node) broadcast(p messaging.Payload) *messaging.Message {
	msg := n.newMessage(p)
	n.send(msg)
	return msg
}

// destinationsFor resolves node IDs to routable destinations.
func (n *Node) destinationsFor(ids []string) ([]cluster.Destination, error) {
	dests := make([]cluster.Destination, 0, len(ids))
	for _, id := range ids {
		path, ok := n.router.PathOf(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnreachable, id)
		}
		dests = append(dests, cluster.Destination{NodeID: id, Path: path})
	}
	return dests, nil
}

// send originates msg from this node.
func (n *Node) send(msg *messaging.Message) {
	n.dedup.CheckAndStore(msg.ID, msg.Created)
	if msg.Broadcast() {
		n.remember(msg)
	}
	dec := n.router.Route(cluster.RouteInput{
		Source:         msg.Source,
		Destinations:   msg.Destinations,
		PartnerIntPath: msg.PartnerIntPath,
	})
	n.forward(msg, dec)
}

// forward writes msg to every target of dec, each copy carrying only the
// destinations routed over that link.
func (n *Node) forward(msg *messaging.Message, dec cluster.Decision) int {
	if len(dec.Unroutable) > 0 {
		n.count(func(s *Stats) { s.Unroutable += uint64(len(dec.Unroutable)) })
	}
	sent := 0
	for _, t := range dec.Targets {
		out := *msg
		out.Destinations = t.Destinations
		data, err := messaging.Marshal(&out)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "forward",
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Error("Failed to encode control message")
			return sent
		}
		if err := n.flow.Send(t.NodeID, transport.Frame{IsString: true, Data: data}); err != nil {
			n.count(func(s *Stats) { s.SendErrors++ })
			logrus.WithFields(logrus.Fields{
				"function":   "forward",
				"message_id": msg.ID,
				"peer_id":    t.NodeID,
				"error":      err.Error(),
			}).Debug("Control message not sent")
			continue
		}
		sent++
	}
	return sent
}

// SendText broadcasts body, or addresses it to the given members.
func (n *Node) SendText(ctx context.Context, body string, to ...string) error {
	return n.do(ctx, func() error {
		if n.router == nil {
			return ErrNotJoined
		}
		msg := n.newMessage(&messaging.Text{Body: body})
		if len(to) > 0 {
			dests, err := n.destinationsFor(to)
			if err != nil {
				return err
			}
			msg.To(dests...)
		}
		if err := msg.Validate(); err != nil {
			return err
		}
		n.send(msg)
		return nil
	})
}

// OfferFile shares a local file with the pool. Audio and video files are
// announced as media.
func (n *Node) OfferFile(ctx context.Context, path string) (file.Info, error) {
	info, err := n.disk.Add(path)
	if err != nil {
		return file.Info{}, err
	}
	err = n.do(ctx, func() error {
		if n.router == nil {
			return ErrNotJoined
		}
		fo := messaging.FileOffer{
			FileID:      info.FileID,
			Name:        info.Name,
			Size:        info.Size,
			ChunkSize:   info.ChunkSize,
			TotalChunks: info.TotalChunks,
			MimeType:    info.MimeType,
		}
		if isMedia(info.MimeType) {
			n.broadcast(&messaging.MediaOffer{FileOffer: fo})
		} else {
			n.broadcast(&fo)
		}
		return nil
	})
	if err != nil {
		return file.Info{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "OfferFile",
		"file_id":      info.FileID,
		"name":         info.Name,
		"total_chunks": info.TotalChunks,
	}).Info("Offered file")
	return info, nil
}

func isMedia(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/") || strings.HasPrefix(mimeType, "audio/")
}

// Retract withdraws a file this node offered and stops serving it.
func (n *Node) Retract(ctx context.Context, fileID string) error {
	return n.do(ctx, func() error {
		if !n.disk.Remove(fileID) {
			return fmt.Errorf("%w: %s", file.ErrUnknownFile, fileID)
		}
		n.engine.CancelFile(fileID)
		if n.router != nil {
			n.broadcast(&messaging.Retract{FileID: fileID})
		}
		return nil
	})
}

// Offers returns the files other members currently offer.
func (n *Node) Offers(ctx context.Context) ([]file.Info, error) {
	var out []file.Info
	err := n.do(ctx, func() error {
		for _, o := range n.offers {
			out = append(out, o.info)
		}
		return nil
	})
	return out, err
}

// RequestFile downloads an offered file into w. Chunks this node already
// caches are copied locally and excluded from the request.
func (n *Node) RequestFile(ctx context.Context, fileID string, w io.WriterAt) (*file.Download, error) {
	var (
		info    file.Info
		seeders []string
	)
	err := n.do(ctx, func() error {
		o, ok := n.offers[fileID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownOffer, fileID)
		}
		info = o.info
		seeders = append(seeders, o.seeders...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d, err := n.downloads.Start(info, w, seeders...)
	if err != nil {
		return nil, err
	}
	d.SetStallTimeout(n.cfg.Transfer.StallTimeout.Duration)

	prefilled := 0
	for _, idx := range n.store.CoveredIndices(fileID) {
		bounds := chunkrange.CacheChunkBounds(idx, n.store.Factor())
		for c := bounds.Start; c <= bounds.End && c < info.TotalChunks; c++ {
			data, ok := n.store.GetChunk(ctx, fileID, c)
			if !ok {
				break
			}
			if fresh, err := d.WriteChunk(c, data); err != nil {
				return d, err
			} else if fresh {
				prefilled++
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "RequestFile",
		"file_id":   fileID,
		"seeders":   len(seeders),
		"prefilled": prefilled,
	}).Info("Download started")
	return d, nil
}

// requestMissing is the download manager's request hook. It may run on
// any goroutine.
func (n *Node) requestMissing(seeder, fileID string, missing []chunkrange.Range) error {
	n.Post(func() {
		if n.router == nil {
			return
		}
		dests, err := n.destinationsFor([]string{seeder})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "requestMissing",
				"file_id":  fileID,
				"seeder":   seeder,
				"error":    err.Error(),
			}).Warn("Seeder not reachable")
			return
		}
		req := &messaging.FileRequest{
			FileID:             fileID,
			RequesterID:        n.id,
			MissingRanges:      missing,
			CoveredCacheChunks: n.store.CoveredIndices(fileID),
		}
		n.send(n.newMessage(req).To(dests...))
	})
	return nil
}

// RequestMedia downloads an offered media file into w, asking the seeder
// to stream from startChunk on. Chunks before the start are fetched by the
// stall sweep once the tail has arrived.
func (n *Node) RequestMedia(ctx context.Context, fileID string, startChunk uint32, w io.WriterAt) (*file.Download, error) {
	var (
		info    file.Info
		seeders []string
	)
	err := n.do(ctx, func() error {
		o, ok := n.offers[fileID]
		if !ok || !o.media {
			return fmt.Errorf("%w: no media offer %s", ErrUnknownOffer, fileID)
		}
		if startChunk >= o.info.TotalChunks {
			return fmt.Errorf("%w: start %d of %d", file.ErrChunkOutOfRange, startChunk, o.info.TotalChunks)
		}
		info = o.info
		seeders = append(seeders, o.seeders...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d, err := n.downloads.Track(info, w, seeders...)
	if err != nil {
		return nil, err
	}
	d.SetStallTimeout(n.cfg.Transfer.StallTimeout.Duration)

	err = n.do(ctx, func() error {
		if n.router == nil {
			return ErrNotJoined
		}
		dests, err := n.destinationsFor([]string{d.Seeder()})
		if err != nil {
			return err
		}
		n.send(n.newMessage(&messaging.MediaHintRequest{
			FileID:      fileID,
			RequesterID: n.id,
			StartChunk:  startChunk,
		}).To(dests...))
		return nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RequestMedia",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Warn("Media request not sent, stall sweep will retry")
	}
	return d, nil
}

// sendChunk is the transfer engine's send hook. One frame carries the
// chunk toward every requester; relays split it per link.
func (n *Node) sendChunk(fileID string, num uint32, data []byte, requesters []string) error {
	if n.router == nil {
		return ErrNotJoined
	}
	dests := make([]cluster.Destination, 0, len(requesters))
	for _, id := range requesters {
		if path, ok := n.router.PathOf(id); ok {
			dests = append(dests, cluster.Destination{NodeID: id, Path: path})
		}
	}
	if len(dests) == 0 {
		return fmt.Errorf("%w: no requester of %s has a path", ErrUnreachable, fileID)
	}

	hint := n.cacheHint(num)
	self := n.router.Self()
	dec := n.router.Route(cluster.RouteInput{
		Source:         self,
		Destinations:   dests,
		PartnerIntPath: &hint,
	})
	sent, err := n.writeChunk(dec, wire.Frame{
		Source:      self,
		MessageID:   messaging.NewID(),
		FileID:      fileID,
		ChunkNumber: num,
		Payload:     data,
	})
	if sent == 0 && err != nil {
		return err
	}
	n.count(func(s *Stats) { s.ChunksServed++ })
	return nil
}

// writeChunk encodes f once per target and queues it. It returns the
// number of links written and the last error.
func (n *Node) writeChunk(dec cluster.Decision, f wire.Frame) (int, error) {
	if len(dec.Unroutable) > 0 {
		n.count(func(s *Stats) { s.Unroutable += uint64(len(dec.Unroutable)) })
	}
	var (
		sent    int
		lastErr error
	)
	for _, t := range dec.Targets {
		f.Destinations = t.Destinations
		data, err := f.Marshal()
		if err != nil {
			return sent, err
		}
		if err := n.flow.Send(t.NodeID, transport.Frame{Data: data}); err != nil {
			n.count(func(s *Stats) { s.SendErrors++ })
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr == nil && len(dec.Targets) == 0 {
		lastErr = fmt.Errorf("%w: chunk %d of %s has no route", ErrUnreachable, f.ChunkNumber, f.FileID)
	}
	return sent, lastErr
}
