// Package file moves files through the pool.
//
// # Overview
//
// The package has three parts:
//
//   - Engine: the seeder side. One producer loop per file streams chunks
//     to every requester of that file, batching requesters that need the
//     same chunk into a single frame and pacing reads on outbound queue
//     space.
//   - Sources: DiskSource serves files this node shares, CacheSource
//     serves chunks held in the distributed cache, MultiSource tries both.
//   - Download and Downloads: the receiving side. A Download writes chunks
//     to disk in any order, tracks which ones arrived and reports the
//     missing ranges a re-request should ask for.
//
// # Seeding
//
//	src := file.NewDiskSource(limits.DefaultChunkSize)
//	info, err := src.Add("/srv/share/video.webm")
//	engine := file.NewEngine(file.EngineOptions{
//	    Source:       src,
//	    Scheduler:    loop,
//	    Backpressure: flowController,
//	    Send:         sendChunk,
//	})
//	err = engine.Request(file.Request{FileID: info.FileID, RequesterID: peer})
//
// A requester that joins a running loop starts at the chunk currently
// being read and wraps around to the start, so every requester sees each
// chunk exactly once. A requester naming missing ranges only receives
// those, in order.
//
// # Threading
//
// Engine is single threaded: its methods and the callbacks it posts must
// run on the same event loop. Download and Downloads are safe for
// concurrent use.
package file
