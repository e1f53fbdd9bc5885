package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio"
	"github.com/opd-ai/poolmesh/file"
	"github.com/opd-ai/poolmesh/messaging"
	"github.com/opd-ai/poolmesh/pool"
	"github.com/opd-ai/poolmesh/signaling"
	"github.com/opd-ai/poolmesh/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const joinTimeout = 30 * time.Second

func runJoin(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	if err := opts.ConfigureLogging(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr := transport.NewWebRTC(transport.WebRTCOptions{ICEServers: opts.Signaling.ICEServers})
	node, err := pool.NewNode(pool.Options{Config: opts, Transport: tr})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	registry := pool.NewRegistry()
	if err := registry.Add(opts.Pool.Name, node); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	node.OnDeliver(func(m *messaging.Message) { printMessage(out, m) })

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := node.Run(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runJoin",
				"error":    err.Error(),
			}).Error("Node stopped")
		}
	}()

	client, err := signaling.Dial(ctx, opts.Signaling.URL, node)
	if err != nil {
		cancel()
		<-runDone
		return err
	}
	defer client.Close()
	node.SetSignaler(client)

	joinCtx, joinCancel := context.WithTimeout(ctx, joinTimeout)
	ident, err := client.Join(joinCtx, opts.Pool.Name, node.ID())
	if err == nil {
		err = node.ApplyIdentity(joinCtx, ident)
	}
	joinCancel()
	if err != nil {
		cancel()
		<-runDone
		return fmt.Errorf("failed to join pool %s: %w", opts.Pool.Name, err)
	}
	fmt.Fprintf(out, "Joined pool %s as %s at %v\n", opts.Pool.Name, node.ID(), ident.Path)

	go client.RunHeartbeat(ctx, opts.Signaling.HeartbeatInterval.Duration)

	sh := &shell{ctx: ctx, node: node, out: out, dir: opts.Transfer.DownloadDir}
	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-client.Done():
			fmt.Fprintln(out, "Relay connection lost")
			break loop
		case line, ok := <-lines:
			if !ok || !sh.exec(line) {
				break loop
			}
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	err = registry.CloseAll(closeCtx)
	cancel()
	<-runDone
	return err
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func printMessage(w io.Writer, m *messaging.Message) {
	from := m.Source.NodeID
	switch m.Type {
	case messaging.TypeText:
		fmt.Fprintf(w, "<%s> %s\n", from, m.Text.Body)
	case messaging.TypeFileOffer:
		fmt.Fprintf(w, "* %s offers %s (%s, %d bytes)\n", from, m.FileOffer.Name, m.FileOffer.FileID, m.FileOffer.Size)
	case messaging.TypeMediaOffer:
		fmt.Fprintf(w, "* %s offers media %s (%s, %d chunks)\n", from, m.MediaOffer.Name, m.MediaOffer.FileID, m.MediaOffer.TotalChunks)
	case messaging.TypeRetract:
		fmt.Fprintf(w, "* %s retracted %s\n", from, m.Retract.FileID)
	case messaging.TypeNodeState:
		if m.NodeState.Alive {
			fmt.Fprintf(w, "* %s (%s) joined\n", m.NodeState.Nickname, from)
		} else {
			fmt.Fprintf(w, "* %s (%s) left\n", m.NodeState.Nickname, from)
		}
	}
}

// command is one parsed stdin line.
type command struct {
	name string
	args []string
}

// parseCommand splits a slash command. Other lines are text to broadcast.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{}, false
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: fields[0], args: fields[1:]}, true
}

type shell struct {
	ctx  context.Context
	node *pool.Node
	out  io.Writer
	dir  string
}

// exec runs one line and reports whether the shell should keep reading.
func (s *shell) exec(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	cmd, ok := parseCommand(line)
	if !ok {
		s.report(s.node.SendText(s.ctx, line))
		return true
	}

	switch cmd.name {
	case "quit":
		return false
	case "share":
		if len(cmd.args) != 1 {
			fmt.Fprintln(s.out, "usage: /share PATH")
			return true
		}
		info, err := s.node.OfferFile(s.ctx, cmd.args[0])
		if err == nil {
			fmt.Fprintf(s.out, "Sharing %s as %s\n", info.Name, info.FileID)
		}
		s.report(err)
	case "offers":
		offers, err := s.node.Offers(s.ctx)
		for _, o := range offers {
			fmt.Fprintf(s.out, "%s  %-30s %10d bytes  %s\n", o.FileID, o.Name, o.Size, o.MimeType)
		}
		s.report(err)
	case "get":
		if len(cmd.args) != 1 {
			fmt.Fprintln(s.out, "usage: /get FILE_ID")
			return true
		}
		s.report(s.download(cmd.args[0], nil))
	case "play":
		if len(cmd.args) != 2 {
			fmt.Fprintln(s.out, "usage: /play FILE_ID START_CHUNK")
			return true
		}
		start, err := strconv.ParseUint(cmd.args[1], 10, 32)
		if err != nil {
			s.report(err)
			return true
		}
		startChunk := uint32(start)
		s.report(s.download(cmd.args[0], &startChunk))
	case "stats":
		st := s.node.Stats()
		fmt.Fprintf(s.out, "handled=%d forwarded=%d chunks_in=%d chunks_fwd=%d served=%d cached=%d malformed=%d unroutable=%d send_errors=%d\n",
			st.MessagesHandled, st.MessagesForwarded, st.ChunksReceived, st.ChunksForwarded, st.ChunksServed,
			st.ChunksCached, st.MalformedFrames, st.Unroutable, st.SendErrors)
	default:
		fmt.Fprintf(s.out, "unknown command /%s\n", cmd.name)
	}
	return true
}

func (s *shell) report(err error) {
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

// download writes an offered file to a pending file in the download
// directory and renames it into place once every chunk has arrived.
func (s *shell) download(fileID string, startChunk *uint32) error {
	offers, err := s.node.Offers(s.ctx)
	if err != nil {
		return err
	}
	var info *file.Info
	for i := range offers {
		if offers[i].FileID == fileID {
			info = &offers[i]
			break
		}
	}
	if info == nil {
		return fmt.Errorf("%w: %s", pool.ErrUnknownOffer, fileID)
	}

	target, err := file.ValidatePath(filepath.Join(s.dir, filepath.Base(info.Name)))
	if err != nil {
		return err
	}
	pending, err := renameio.TempFile("", target)
	if err != nil {
		return err
	}

	var d *file.Download
	if startChunk != nil {
		d, err = s.node.RequestMedia(s.ctx, fileID, *startChunk, pending)
	} else {
		d, err = s.node.RequestFile(s.ctx, fileID, pending)
	}
	if err != nil {
		pending.Cleanup()
		return err
	}

	out := s.out
	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			if err != nil {
				pending.Cleanup()
				fmt.Fprintf(out, "Download of %s failed: %v\n", info.Name, err)
				return
			}
			if err := pending.CloseAtomicallyReplace(); err != nil {
				fmt.Fprintf(out, "Download of %s not saved: %v\n", info.Name, err)
				return
			}
			fmt.Fprintf(out, "Saved %s\n", target)
		})
	}
	d.OnComplete(finish)
	// Chunks copied from the local cache may have completed it already.
	switch state := d.GetState(); {
	case state == file.TransferStateCompleted:
		finish(nil)
	case state.Finished():
		finish(fmt.Errorf("download %s", state))
	}
	fmt.Fprintf(s.out, "Downloading %s from %s\n", info.Name, d.Seeder())
	return nil
}
