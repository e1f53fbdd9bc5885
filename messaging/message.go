package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/poolmesh/chunkrange"
	"github.com/opd-ai/poolmesh/cluster"
	"github.com/opd-ai/poolmesh/limits"
)

// MessageType selects the payload carried by a Message.
type MessageType string

const (
	TypeNodeState        MessageType = "nodeState"
	TypeLatestRequest    MessageType = "latestRequest"
	TypeLatestReply      MessageType = "latestReply"
	TypeText             MessageType = "text"
	TypeFileOffer        MessageType = "fileOffer"
	TypeMediaOffer       MessageType = "mediaOffer"
	TypeFileRequest      MessageType = "fileRequest"
	TypeMediaHintRequest MessageType = "mediaHintRequest"
	TypeRetract          MessageType = "retract"
)

// ErrInvalidMessage is returned for envelopes that fail validation.
var ErrInvalidMessage = errors.New("invalid control message")

// Payload is implemented by every payload variant.
type Payload interface {
	Type() MessageType
	validate() error
}

// NodeState announces a member's presence and display name.
type NodeState struct {
	Nickname string `json:"nickname"`
	Alive    bool   `json:"alive"`
}

// LatestRequest asks a neighbor for messages it has seen since a time.
type LatestRequest struct {
	Since time.Time `json:"since"`
}

// LatestReply answers a LatestRequest.
type LatestReply struct {
	Messages []*Message `json:"messages"`
}

// Text is a chat message.
type Text struct {
	Body string `json:"body"`
}

// FileOffer advertises a file its source can stream.
type FileOffer struct {
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ChunkSize   int    `json:"chunkSize"`
	TotalChunks uint32 `json:"totalChunks"`
	MimeType    string `json:"mimeType,omitempty"`
}

// MediaOffer advertises a playable media file.
type MediaOffer struct {
	FileOffer
	DurationMillis int64 `json:"durationMillis,omitempty"`
	Width          int   `json:"width,omitempty"`
	Height         int   `json:"height,omitempty"`
}

// FileRequest asks a seeder to stream a file. A nil MissingRanges means
// the whole file.
type FileRequest struct {
	FileID             string             `json:"fileId"`
	RequesterID        string             `json:"requesterId"`
	MissingRanges      []chunkrange.Range `json:"missingRanges,omitempty"`
	CoveredCacheChunks []uint32           `json:"coveredCacheChunks,omitempty"`
}

// MediaHintRequest asks for a media file starting at a playback position.
type MediaHintRequest struct {
	FileID      string `json:"fileId"`
	RequesterID string `json:"requesterId"`
	StartChunk  uint32 `json:"startChunk"`
}

// Retract withdraws an earlier offer.
type Retract struct {
	FileID string `json:"fileId"`
}

func (*NodeState) Type() MessageType        { return TypeNodeState }
func (*LatestRequest) Type() MessageType    { return TypeLatestRequest }
func (*LatestReply) Type() MessageType      { return TypeLatestReply }
func (*Text) Type() MessageType             { return TypeText }
func (*FileOffer) Type() MessageType        { return TypeFileOffer }
func (*MediaOffer) Type() MessageType       { return TypeMediaOffer }
func (*FileRequest) Type() MessageType      { return TypeFileRequest }
func (*MediaHintRequest) Type() MessageType { return TypeMediaHintRequest }
func (*Retract) Type() MessageType          { return TypeRetract }

func (*NodeState) validate() error     { return nil }
func (*LatestRequest) validate() error { return nil }

func (p *LatestReply) validate() error {
	for i, m := range p.Messages {
		if m == nil {
			return fmt.Errorf("reply entry %d is null", i)
		}
		if m.Type == TypeLatestReply {
			return fmt.Errorf("reply entry %d nests another reply", i)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("reply entry %d: %w", i, err)
		}
	}
	return nil
}

func (p *Text) validate() error {
	if p.Body == "" {
		return limits.ErrMessageEmpty
	}
	return nil
}

func (p *FileOffer) validate() error {
	if err := limits.ValidateFileID(p.FileID); err != nil {
		return err
	}
	if p.Size < 0 {
		return fmt.Errorf("negative size %d", p.Size)
	}
	if p.ChunkSize <= 0 || p.ChunkSize > limits.MaxChunkSize {
		return fmt.Errorf("chunk size %d outside 1..%d", p.ChunkSize, limits.MaxChunkSize)
	}
	return nil
}

func (p *MediaOffer) validate() error { return p.FileOffer.validate() }

func (p *FileRequest) validate() error {
	if err := limits.ValidateFileID(p.FileID); err != nil {
		return err
	}
	if err := limits.ValidateNodeID(p.RequesterID); err != nil {
		return err
	}
	for _, r := range p.MissingRanges {
		if r.End < r.Start {
			return fmt.Errorf("inverted range %s", r)
		}
	}
	return nil
}

func (p *MediaHintRequest) validate() error {
	if err := limits.ValidateFileID(p.FileID); err != nil {
		return err
	}
	return limits.ValidateNodeID(p.RequesterID)
}

func (p *Retract) validate() error { return limits.ValidateFileID(p.FileID) }

// Message is the control envelope. Exactly one payload field is set and it
// matches Type.
type Message struct {
	ID             string                `json:"id"`
	Created        time.Time             `json:"created"`
	Source         cluster.Endpoint      `json:"src"`
	Destinations   []cluster.Destination `json:"dests,omitempty"`
	PartnerIntPath *int                  `json:"partnerIntPath,omitempty"`
	Type           MessageType           `json:"type"`

	NodeState        *NodeState        `json:"nodeState,omitempty"`
	LatestRequest    *LatestRequest    `json:"latestRequest,omitempty"`
	LatestReply      *LatestReply      `json:"latestReply,omitempty"`
	Text             *Text             `json:"text,omitempty"`
	FileOffer        *FileOffer        `json:"fileOffer,omitempty"`
	MediaOffer       *MediaOffer       `json:"mediaOffer,omitempty"`
	FileRequest      *FileRequest      `json:"fileRequest,omitempty"`
	MediaHintRequest *MediaHintRequest `json:"mediaHintRequest,omitempty"`
	Retract          *Retract          `json:"retract,omitempty"`
}

// NewID returns a fresh message ID.
func NewID() string { return uuid.NewString() }

// New builds a broadcast message from source carrying payload.
func New(source cluster.Endpoint, created time.Time, payload Payload) *Message {
	m := &Message{
		ID:      NewID(),
		Created: created.UTC(),
		Source:  cluster.Endpoint{NodeID: source.NodeID, Path: source.Path.Clone()},
		Type:    payload.Type(),
	}
	switch p := payload.(type) {
	case *NodeState:
		m.NodeState = p
	case *LatestRequest:
		m.LatestRequest = p
	case *LatestReply:
		m.LatestReply = p
	case *Text:
		m.Text = p
	case *FileOffer:
		m.FileOffer = p
	case *MediaOffer:
		m.MediaOffer = p
	case *FileRequest:
		m.FileRequest = p
	case *MediaHintRequest:
		m.MediaHintRequest = p
	case *Retract:
		m.Retract = p
	}
	return m
}

// To addresses m to dests and returns it.
func (m *Message) To(dests ...cluster.Destination) *Message {
	m.Destinations = cluster.CloneDestinations(dests)
	return m
}

// Payload returns the payload selected by Type, or nil.
func (m *Message) Payload() Payload {
	var set []Payload
	if m.NodeState != nil {
		set = append(set, m.NodeState)
	}
	if m.LatestRequest != nil {
		set = append(set, m.LatestRequest)
	}
	if m.LatestReply != nil {
		set = append(set, m.LatestReply)
	}
	if m.Text != nil {
		set = append(set, m.Text)
	}
	if m.FileOffer != nil {
		set = append(set, m.FileOffer)
	}
	if m.MediaOffer != nil {
		set = append(set, m.MediaOffer)
	}
	if m.FileRequest != nil {
		set = append(set, m.FileRequest)
	}
	if m.MediaHintRequest != nil {
		set = append(set, m.MediaHintRequest)
	}
	if m.Retract != nil {
		set = append(set, m.Retract)
	}
	if len(set) != 1 || set[0].Type() != m.Type {
		return nil
	}
	return set[0]
}

// Broadcast reports whether m has no destination list.
func (m *Message) Broadcast() bool { return m.Destinations == nil }

// Validate checks identifiers, addressing and payload.
func (m *Message) Validate() error {
	if err := limits.ValidateMessageID(m.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := limits.ValidateNodeID(m.Source.NodeID); err != nil {
		return fmt.Errorf("%w: source: %v", ErrInvalidMessage, err)
	}
	if !m.Source.Path.Valid() || len(m.Source.Path) > limits.MaxPathDepth {
		return fmt.Errorf("%w: source path %v", ErrInvalidMessage, m.Source.Path)
	}
	if len(m.Destinations) > limits.MaxDestinations {
		return fmt.Errorf("%w: %d destinations", ErrInvalidMessage, len(m.Destinations))
	}
	for i, d := range m.Destinations {
		if err := limits.ValidateNodeID(d.NodeID); err != nil {
			return fmt.Errorf("%w: destination %d: %v", ErrInvalidMessage, i, err)
		}
		if !d.Path.Valid() || len(d.Path) > limits.MaxPathDepth {
			return fmt.Errorf("%w: destination %d path %v", ErrInvalidMessage, i, d.Path)
		}
	}
	if m.PartnerIntPath != nil && (*m.PartnerIntPath < 0 || *m.PartnerIntPath > 2) {
		return fmt.Errorf("%w: partnerIntPath %d", ErrInvalidMessage, *m.PartnerIntPath)
	}

	p := m.Payload()
	if p == nil {
		return fmt.Errorf("%w: payload does not match type %q", ErrInvalidMessage, m.Type)
	}
	if err := p.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

// Marshal validates and encodes m.
func Marshal(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if err := limits.ValidateControlMessage(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return data, nil
}

// Unmarshal decodes and validates a control message.
func Unmarshal(data []byte) (*Message, error) {
	if err := limits.ValidateControlMessage(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
