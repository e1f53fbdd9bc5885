package flow

import (
	"errors"
	"testing"

	"github.com/opd-ai/poolmesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink buffers every sent byte until drained.
type fakeLink struct {
	buffered uint64
	sent     [][]byte
	fail     bool
}

func (l *fakeLink) Send(f transport.Frame) error {
	if l.fail {
		return errors.New("link down")
	}
	l.sent = append(l.sent, f.Data)
	l.buffered += uint64(len(f.Data))
	return nil
}

func (l *fakeLink) BufferedAmount() uint64 { return l.buffered }

func frame(b byte) transport.Frame { return transport.Frame{Data: []byte{b}} }

// capacity 8, released below 6, one-byte frames, threshold 3 bytes.
func newTestController() *Controller {
	return NewController(Options{MaxBytesInFlight: 8, ChunkSize: 1, Threshold: 3, LowWater: 2})
}

func TestSendImmediateWhenBufferLow(t *testing.T) {
	c := newTestController()
	l := &fakeLink{}
	c.AddLink("a", 0, l)

	require.NoError(t, c.Send("a", frame(1)))
	require.NoError(t, c.Send("a", frame(2)))
	assert.Len(t, l.sent, 2)
	assert.Equal(t, 0, c.Pending())
	assert.True(t, c.IsBufferFree())
}

func TestSendQueuesBehindBusyLink(t *testing.T) {
	c := newTestController()
	l := &fakeLink{buffered: 3}
	c.AddLink("a", 4, l)

	require.NoError(t, c.Send("a", frame(1)))
	require.NoError(t, c.Send("a", frame(2)))
	assert.Empty(t, l.sent)
	assert.Equal(t, 2, c.QueueLen("a"))

	// Queued frames stay ahead of new ones even when the link frees up.
	l.buffered = 0
	require.NoError(t, c.Send("a", frame(3)))
	assert.Empty(t, l.sent)

	c.OnBufferedAmountLow("a")
	require.Len(t, l.sent, 3)
	assert.Equal(t, []byte{1}, l.sent[0])
	assert.Equal(t, []byte{2}, l.sent[1])
	assert.Equal(t, []byte{3}, l.sent[2])

	pos, ok := c.Position("a")
	require.True(t, ok)
	assert.Equal(t, 4, pos)
}

func TestUnknownLink(t *testing.T) {
	c := newTestController()
	assert.ErrorIs(t, c.Send("missing", frame(1)), ErrUnknownLink)
}

func TestBackpressureSignalFiresOncePerCrossing(t *testing.T) {
	c := newTestController()
	require.Equal(t, 8, c.Capacity())
	l := &fakeLink{buffered: 100}
	c.AddLink("a", 0, l)

	for i := 0; i < 8; i++ {
		require.NoError(t, c.Send("a", frame(byte(i))))
	}
	assert.False(t, c.IsBufferFree())
	assert.ErrorIs(t, c.Send("a", frame(9)), ErrQueueFull)

	fired := 0
	c.WhenBufferFree(func() { fired++ })
	c.WhenBufferFree(func() { fired++ })

	// Drain three frames: pending drops to 5, below 8-2.
	l.buffered = 0
	c.OnBufferedAmountLow("a")
	assert.Equal(t, 5, c.Pending())
	assert.True(t, c.IsBufferFree())
	assert.Equal(t, 2, fired, "each waiter runs once")
	assert.Equal(t, 1, c.Crossings())

	// Draining further does not fire again.
	l.buffered = 0
	c.OnBufferedAmountLow("a")
	assert.Equal(t, 2, c.Pending())
	assert.Equal(t, 2, fired)
	assert.Equal(t, 1, c.Crossings())

	// Fill to capacity again, then drain: a second crossing.
	l.buffered = 100
	for i := 0; i < 6; i++ {
		require.NoError(t, c.Send("a", frame(byte(i))))
	}
	assert.False(t, c.IsBufferFree())
	c.WhenBufferFree(func() { fired++ })

	l.buffered = 0
	c.OnBufferedAmountLow("a")
	assert.Equal(t, 3, fired)
	assert.Equal(t, 2, c.Crossings())
}

func TestPartialDrainAboveReleaseStaysBlocked(t *testing.T) {
	c := newTestController()
	l := &fakeLink{buffered: 100}
	c.AddLink("a", 0, l)
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Send("a", frame(byte(i))))
	}

	// One frame fits under the threshold before the link is busy again.
	l.buffered = 2
	c.OnBufferedAmountLow("a")
	assert.Equal(t, 7, c.Pending())
	assert.False(t, c.IsBufferFree(), "7 is not below the release level of 6")
}

func TestWhenBufferFreeRunsImmediatelyWhenFree(t *testing.T) {
	c := newTestController()
	ran := false
	c.WhenBufferFree(func() { ran = true })
	assert.True(t, ran)
}

func TestGlobalCountSpansLinks(t *testing.T) {
	c := newTestController()
	a, b := &fakeLink{buffered: 100}, &fakeLink{buffered: 100}
	c.AddLink("a", 0, a)
	c.AddLink("b", 1, b)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Send("a", frame(byte(i))))
		require.NoError(t, c.Send("b", frame(byte(i))))
	}
	assert.Equal(t, 8, c.Pending())
	assert.False(t, c.IsBufferFree())

	fired := 0
	c.WhenBufferFree(func() { fired++ })

	assert.Equal(t, 4, c.Remove("b"))
	assert.Equal(t, 4, c.Pending())
	assert.True(t, c.IsBufferFree())
	assert.Equal(t, 1, fired)
	assert.ErrorIs(t, c.Send("b", frame(0)), ErrUnknownLink)
	assert.Equal(t, 0, c.Remove("b"))
}

func TestFailedSendsStillDrain(t *testing.T) {
	c := newTestController()
	l := &fakeLink{buffered: 100}
	c.AddLink("a", 0, l)
	require.NoError(t, c.Send("a", frame(1)))

	l.buffered = 0
	l.fail = true
	c.OnBufferedAmountLow("a")
	assert.Equal(t, 0, c.Pending())

	assert.Error(t, c.Send("a", frame(2)), "direct send surfaces the link error")
}

func TestAddLinkReplacesQueue(t *testing.T) {
	c := newTestController()
	c.AddLink("a", 0, &fakeLink{buffered: 100})
	require.NoError(t, c.Send("a", frame(1)))
	require.Equal(t, 1, c.Pending())

	fresh := &fakeLink{}
	c.AddLink("a", 2, fresh)
	assert.Equal(t, 0, c.Pending())
	require.NoError(t, c.Send("a", frame(2)))
	assert.Len(t, fresh.sent, 1)
}
