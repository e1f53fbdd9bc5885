// Package pool composes the routing, transfer, cache and flow-control
// packages into a pool member.
//
// A Node joins one pool. The signaling relay assigns its tree position
// (ApplyIdentity); the node then opens links to its neighbors through a
// transport.Transport and routes every text and chunk frame it sends or
// relays through its cluster.Router and flow.Controller.
//
// All node state is owned by a single event loop started with Run. Link
// events, read completions, buffer-available signals and timer sweeps are
// posted to that loop, so the transfer engine and the routing decisions
// never run concurrently. The exported operations are safe to call from
// any goroutine except the loop itself.
//
//	node, err := pool.NewNode(pool.Options{Config: cfg, Transport: tr})
//	client, err := signaling.Dial(ctx, cfg.Signaling.URL, node)
//	node.SetSignaler(client)
//	go node.Run(ctx)
//	id, err := client.Join(ctx, cfg.Pool.Name, node.ID())
//	err = node.ApplyIdentity(ctx, id)
//	err = node.SendText(ctx, "hello pool")
package pool
