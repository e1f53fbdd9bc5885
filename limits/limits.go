// Package limits provides centralized size limits for the pool protocol.
// This ensures consistent validation across the wire codec, the control
// message layer and the transfer engine.
package limits

import (
	"errors"
	"fmt"
)

const (
	// NodeIDLength is the fixed width of a node ID on the wire.
	NodeIDLength = 20

	// MessageIDLength is the fixed width of a message ID on the wire.
	// This matches the canonical textual form of a UUID.
	MessageIDLength = 36

	// FileIDLength is the fixed width of a file ID on the wire
	// (hex encoded 128-bit digest).
	FileIDLength = 32

	// DefaultChunkSize is the payload size of one wire chunk.
	DefaultChunkSize = 16 * 1024

	// MaxChunkSize is the maximum allowed wire chunk payload to prevent
	// resource exhaustion.
	MaxChunkSize = 64 * 1024

	// MaxPathDepth bounds the number of hops in a cluster path.
	MaxPathDepth = 64

	// MaxDestinations bounds the destination list of a single message.
	MaxDestinations = 256

	// MaxControlMessage is the maximum size of an encoded control message.
	MaxControlMessage = 256 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrBadLength indicates a fixed-width field has the wrong length
	ErrBadLength = errors.New("bad field length")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateChunk validates a wire chunk payload against MaxChunkSize.
func ValidateChunk(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxChunkSize)
	}
	return nil
}

// ValidateControlMessage validates an encoded control message against
// MaxControlMessage.
func ValidateControlMessage(message []byte) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > MaxControlMessage {
		return fmt.Errorf("%w: control message size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxControlMessage)
	}
	return nil
}

// ValidateFixedWidth checks that a fixed-width identifier has exactly
// the expected length.
func ValidateFixedWidth(name, value string, width int) error {
	if len(value) != width {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrBadLength, name, len(value), width)
	}
	return nil
}

// ValidateNodeID checks a node ID against NodeIDLength.
func ValidateNodeID(id string) error {
	return ValidateFixedWidth("node id", id, NodeIDLength)
}

// ValidateFileID checks a file ID against FileIDLength.
func ValidateFileID(id string) error {
	return ValidateFixedWidth("file id", id, FileIDLength)
}

// ValidateMessageID checks a message ID against MessageIDLength.
func ValidateMessageID(id string) error {
	return ValidateFixedWidth("message id", id, MessageIDLength)
}
