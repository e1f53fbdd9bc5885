package messaging

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupRejectsRepeats(t *testing.T) {
	d := NewDedup(4)
	assert.True(t, d.CheckAndStore("m1", testTime))
	assert.False(t, d.CheckAndStore("m1", testTime))
	assert.True(t, d.Seen("m1"))
	assert.False(t, d.Seen("m2"))
	assert.Equal(t, 1, d.Size())
}

func TestDedupWindowIsBounded(t *testing.T) {
	d := NewDedup(3)
	for i := 0; i < 5; i++ {
		assert.True(t, d.CheckAndStore(fmt.Sprintf("m%d", i), testTime.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 3, d.Size())
	assert.False(t, d.Seen("m0"))
	assert.False(t, d.Seen("m1"))
	assert.True(t, d.Seen("m4"))
}

func TestDedupDropsMessagesOlderThanWindow(t *testing.T) {
	d := NewDedup(2)
	assert.True(t, d.CheckAndStore("m1", testTime.Add(10*time.Second)))
	assert.True(t, d.CheckAndStore("m2", testTime.Add(20*time.Second)))

	assert.False(t, d.CheckAndStore("old", testTime), "older than every retained entry")
	assert.True(t, d.CheckAndStore("new", testTime.Add(30*time.Second)))
	assert.False(t, d.Seen("m1"))
}

func TestDedupOldMessagesAcceptedWhileWindowHasRoom(t *testing.T) {
	d := NewDedup(8)
	assert.True(t, d.CheckAndStore("m1", testTime))
	assert.True(t, d.CheckAndStore("older", testTime.Add(-time.Hour)))
}
