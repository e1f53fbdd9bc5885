// Package messaging defines the control-message envelope exchanged between
// pool members and the duplicate filter applied to it.
//
// # Envelope
//
// Every control message is a JSON [Message] carried as a text frame. It
// names its originating node and tree path, an optional destination list
// (absent for broadcasts), an optional partner-column hint, and exactly one
// payload selected by Type:
//
//	msg := messaging.New(self, time.Now(), &messaging.Text{Body: "hello"})
//	data, err := messaging.Marshal(msg)
//
// [Unmarshal] rejects envelopes whose payload does not match their type,
// whose fixed-width identifiers have the wrong length, or that exceed the
// control-message size limit.
//
// # Deduplication
//
// Broadcasts reach a node over several paths. [Dedup] keeps a bounded FIFO
// of recently seen message IDs; a message created before the oldest
// retained entry can no longer be told apart from a replay and is treated
// as already seen.
package messaging
