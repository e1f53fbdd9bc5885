// Package limits provides centralized size constants and validation functions
// for the pool protocol. The wire codec, the control message layer and the
// transfer engine all validate against the same values.
//
// # Fixed-width identifiers
//
// Binary chunk frames carry node IDs, message IDs and file IDs as
// fixed-width fields:
//
//   - NodeIDLength (20 bytes): opaque node identifier handed out by the
//     signaling relay.
//   - MessageIDLength (36 bytes): textual UUID.
//   - FileIDLength (32 bytes): hex encoded 128-bit content digest.
//
// # Size limits
//
//   - DefaultChunkSize (16 KiB) and MaxChunkSize (64 KiB) bound the payload
//     of a single wire chunk.
//   - MaxControlMessage (256 KiB) bounds an encoded control message.
//
// # Validation Functions
//
//	if err := limits.ValidateChunk(payload); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
//	if err := limits.ValidateNodeID(id); err != nil {
//	    // ErrBadLength
//	}
package limits
