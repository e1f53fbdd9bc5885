// Package wire implements the binary frame used for file-chunk delivery.
//
// Chunk frames are the highest-volume traffic between peers, so they skip
// the structured control-message encoder and use a compact hand-rolled
// layout instead:
//
//	[source node id (fixed)][source path bytes...][254|255]
//	  ( [dest node id (fixed)][dest path bytes...][254|255] )*   // only after 254
//	[message id (fixed)][file id (fixed)][chunk number (uint32 BE)][payload...]
//
// A path terminator of 254 means more data of the same kind follows (the
// destination list after the source, or another destination); 255 closes
// the list. A destination with an empty path stands for the frame's own
// source and is only valid when its node ID matches the source.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/limits"
	"github.com/sirupsen/logrus"
)

const (
	// TerminatorMore closes a path and announces another entry.
	TerminatorMore byte = 254
	// TerminatorLast closes a path and ends the list.
	TerminatorLast byte = 255

	chunkNumberSize = 4
)

// ErrMalformed is returned by Decode for any frame that cannot be parsed.
var ErrMalformed = errors.New("malformed chunk frame")

// ErrInvalidFrame is returned by Encode when a field violates the layout.
var ErrInvalidFrame = errors.New("invalid chunk frame")

// Frame is one decoded chunk delivery.
type Frame struct {
	Source       cluster.Endpoint
	Destinations []cluster.Destination
	MessageID    string
	FileID       string
	ChunkNumber  uint32
	Payload      []byte
}

// Encode lays out a chunk frame. dests may be nil for an undirected frame.
func Encode(payload []byte, messageID, fileID string, chunkNumber uint32, source cluster.Endpoint, dests []cluster.Destination) ([]byte, error) {
	f := &Frame{
		Source:       source,
		Destinations: dests,
		MessageID:    messageID,
		FileID:       fileID,
		ChunkNumber:  chunkNumber,
		Payload:      payload,
	}
	return f.Marshal()
}

// Marshal encodes f into its wire layout.
func (f *Frame) Marshal() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	size := limits.NodeIDLength + len(f.Source.Path) + 1
	for _, d := range f.Destinations {
		size += limits.NodeIDLength + len(d.Path) + 1
	}
	size += limits.MessageIDLength + limits.FileIDLength + chunkNumberSize + len(f.Payload)

	buf := make([]byte, 0, size)
	buf = append(buf, f.Source.NodeID...)
	buf = appendPath(buf, f.Source.Path)
	if len(f.Destinations) == 0 {
		buf = append(buf, TerminatorLast)
	} else {
		buf = append(buf, TerminatorMore)
		for i, d := range f.Destinations {
			buf = append(buf, d.NodeID...)
			buf = appendPath(buf, d.Path)
			if i == len(f.Destinations)-1 {
				buf = append(buf, TerminatorLast)
			} else {
				buf = append(buf, TerminatorMore)
			}
		}
	}
	buf = append(buf, f.MessageID...)
	buf = append(buf, f.FileID...)
	buf = binary.BigEndian.AppendUint32(buf, f.ChunkNumber)
	buf = append(buf, f.Payload...)
	return buf, nil
}

func (f *Frame) validate() error {
	if err := limits.ValidateNodeID(f.Source.NodeID); err != nil {
		return fmt.Errorf("%w: source: %v", ErrInvalidFrame, err)
	}
	if err := validatePath(f.Source.Path); err != nil {
		return fmt.Errorf("%w: source path: %v", ErrInvalidFrame, err)
	}
	if len(f.Destinations) > limits.MaxDestinations {
		return fmt.Errorf("%w: %d destinations exceeds %d", ErrInvalidFrame, len(f.Destinations), limits.MaxDestinations)
	}
	for i, d := range f.Destinations {
		if err := limits.ValidateNodeID(d.NodeID); err != nil {
			return fmt.Errorf("%w: destination %d: %v", ErrInvalidFrame, i, err)
		}
		if err := validatePath(d.Path); err != nil {
			return fmt.Errorf("%w: destination %d path: %v", ErrInvalidFrame, i, err)
		}
		if len(d.Path) == 0 && d.NodeID != f.Source.NodeID {
			return fmt.Errorf("%w: destination %d has empty path but is not the source", ErrInvalidFrame, i)
		}
	}
	if err := limits.ValidateMessageID(f.MessageID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := limits.ValidateFileID(f.FileID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := limits.ValidateChunk(f.Payload); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrInvalidFrame, err)
	}
	return nil
}

func validatePath(p cluster.Path) error {
	if len(p) > limits.MaxPathDepth {
		return fmt.Errorf("depth %d exceeds %d", len(p), limits.MaxPathDepth)
	}
	if !p.Valid() {
		return fmt.Errorf("branch outside 0..2 in %v", p)
	}
	return nil
}

func appendPath(buf []byte, p cluster.Path) []byte {
	for _, b := range p {
		buf = append(buf, byte(b))
	}
	return buf
}

// Decode parses a chunk frame. Every failure is reported as ErrMalformed.
func Decode(data []byte) (*Frame, error) {
	r := reader{data: data}
	f := &Frame{}

	var ok bool
	if f.Source.NodeID, ok = r.fixed(limits.NodeIDLength); !ok {
		return nil, malformed("short source node id")
	}
	path, term, ok := r.path()
	if !ok {
		return nil, malformed("bad source path")
	}
	f.Source.Path = path

	for more := term == TerminatorMore; more; {
		if len(f.Destinations) >= limits.MaxDestinations {
			return nil, malformed("too many destinations")
		}
		var d cluster.Destination
		if d.NodeID, ok = r.fixed(limits.NodeIDLength); !ok {
			return nil, malformed("short destination node id")
		}
		if d.Path, term, ok = r.path(); !ok {
			return nil, malformed("bad destination path")
		}
		if len(d.Path) == 0 && d.NodeID != f.Source.NodeID {
			return nil, malformed("empty destination path for foreign node")
		}
		f.Destinations = append(f.Destinations, d)
		more = term == TerminatorMore
	}

	if f.MessageID, ok = r.fixed(limits.MessageIDLength); !ok {
		return nil, malformed("short message id")
	}
	if f.FileID, ok = r.fixed(limits.FileIDLength); !ok {
		return nil, malformed("short file id")
	}
	num, ok := r.fixed(chunkNumberSize)
	if !ok {
		return nil, malformed("short chunk number")
	}
	f.ChunkNumber = binary.BigEndian.Uint32([]byte(num))

	rest := r.rest()
	if len(rest) == 0 {
		return nil, malformed("empty payload")
	}
	f.Payload = make([]byte, len(rest))
	copy(f.Payload, rest)
	return f, nil
}

func malformed(reason string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Decode",
		"reason":   reason,
	}).Debug("Rejecting chunk frame")
	return fmt.Errorf("%w: %s", ErrMalformed, reason)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) fixed(n int) (string, bool) {
	if len(r.data)-r.pos < n {
		return "", false
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, true
}

// path reads branch bytes up to and including a terminator.
func (r *reader) path() (cluster.Path, byte, bool) {
	var p cluster.Path
	for r.pos < len(r.data) {
		b := r.data[r.pos]
		r.pos++
		switch {
		case b == TerminatorMore || b == TerminatorLast:
			return p, b, true
		case b > 2:
			return nil, 0, false
		}
		if len(p) >= limits.MaxPathDepth {
			return nil, 0, false
		}
		p = append(p, int(b))
	}
	return nil, 0, false
}

func (r *reader) rest() []byte {
	return r.data[r.pos:]
}
