// Package poolmesh is a peer-to-peer pool core: nodes that join a named pool
// through a signaling relay, arrange themselves in a ternary tree of
// three-member panels, and relay control messages and file chunks to each
// other over WebRTC data channels.
//
// # Getting Started
//
// The pool package assembles a node from the lower layers:
//
//	cfg, err := config.Load("poold.toml")
//	tr := transport.NewWebRTC(transport.WebRTCOptions{ICEServers: cfg.Signaling.ICEServers})
//	node, err := pool.NewNode(pool.Options{Config: cfg, Transport: tr})
//	client, err := signaling.Dial(ctx, cfg.Signaling.URL, node)
//	node.SetSignaler(client)
//	go node.Run(ctx)
//	id, err := client.Join(ctx, cfg.Pool.Name, node.ID())
//	err = node.ApplyIdentity(ctx, id)
//
// The poold command in cmd/poold does exactly this and reads commands from
// stdin.
//
// # Packages
//
//   - wire: the binary chunk frame codec (header, destinations, payload).
//   - chunkrange: chunk range arithmetic and cache-chunk indexing.
//   - cluster: tree positions, paths and the routing decision.
//   - messaging: JSON control messages and duplicate suppression.
//   - cache: relay-side caching of whole cache chunks.
//   - file: chunk sources, the transfer engine and download tracking.
//   - flow: per-link send queues driven by data channel buffer levels.
//   - transport: the link abstraction, with WebRTC and in-memory versions.
//   - signaling: the WebSocket client for the relay.
//   - config: TOML configuration and logging setup.
//   - pool: the node event loop tying the rest together.
//
// # Routing
//
// Every node has up to fifteen neighbor slots: nine in the parent grid
// (three panels of three partners) and six in its two child panels. A
// message is addressed to destination paths; each relay picks the panel the
// path falls under and forwards to the partner in that panel that matches
// its own partner slot, falling back to the other partners when that slot
// is vacant. Broadcasts flood the tree once, with duplicates suppressed by
// message ID.
//
// # File Transfers
//
// A seeder announces a file with a FileOffer (or MediaOffer for audio and
// video). Requesters send the ranges they are missing. The seeder's engine
// reads chunks and sends each one as a single frame addressed to every
// requester waiting for it, and relays split the destination list per link.
// Relays on the path keep every cache chunk whose index maps to their
// partner slot and serve later requests for it themselves.
//
// # Thread Safety
//
// Each node runs one event loop. Transport callbacks and public operations
// post work to that loop, so routing, caching and the transfer engine never
// run concurrently. Packages below pool are individually safe for
// concurrent use unless their documentation says otherwise.
package poolmesh
