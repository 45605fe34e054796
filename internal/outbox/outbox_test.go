package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func collect(o *Outbox) []Item {
	var got []Item
	o.Flush(func(items []Item) { got = items })
	return got
}

func TestEnqueueAndFlushInOrder(t *testing.T) {
	o := New(Limits{MaxTotalBytes: 1 << 20, MaxItems: 100}, 0, nil)

	require.True(t, o.Enqueue("a", []byte("1")))
	require.True(t, o.Enqueue("b", []byte("2")))
	require.True(t, o.Enqueue("c", []byte("3")))
	require.Equal(t, 3, o.Len())

	got := collect(o)
	require.Len(t, got, 3)
	require.Equal(t, "a", got[0].Event)
	require.Equal(t, "c", got[2].Event)

	// Flush drained everything.
	require.Zero(t, o.Len())
	require.Zero(t, o.QueuedBytes())
	require.Empty(t, collect(o))
}

func TestBytePressureDropsOldestFirst(t *testing.T) {
	// Each item is 1 (event) + 9 (payload) = 10 bytes; cap holds three.
	o := New(Limits{MaxTotalBytes: 30}, 0, nil)
	payload := []byte("123456789")

	for _, name := range []string{"a", "b", "c"} {
		require.True(t, o.Enqueue(name, payload))
	}
	require.Equal(t, 30, o.QueuedBytes())

	require.True(t, o.Enqueue("d", payload))

	got := collect(o)
	require.Len(t, got, 3)
	require.Equal(t, "b", got[0].Event)
	require.Equal(t, "d", got[2].Event)

	dropped, droppedBytes, reason := o.DropStats()
	require.EqualValues(t, 1, dropped)
	require.EqualValues(t, 10, droppedBytes)
	require.Equal(t, DropPressure, reason)
}

func TestItemCountPressure(t *testing.T) {
	o := New(Limits{MaxItems: 2}, 0, nil)

	require.True(t, o.Enqueue("a", nil))
	require.True(t, o.Enqueue("b", nil))
	require.True(t, o.Enqueue("c", nil))

	got := collect(o)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Event)
	require.Equal(t, "c", got[1].Event)
}

func TestOversizeItemRejected(t *testing.T) {
	o := New(Limits{MaxTotalBytes: 100, MaxItemBytes: 10}, 0, nil)

	require.True(t, o.Enqueue("ok", []byte("12345678")))
	require.False(t, o.Enqueue("big", make([]byte, 50)))

	// The rejection is counted but the queue is untouched.
	require.Equal(t, 1, o.Len())
	dropped, _, reason := o.DropStats()
	require.EqualValues(t, 1, dropped)
	require.Equal(t, DropOversize, reason)
}

func TestItemLargerThanQueueRejected(t *testing.T) {
	o := New(Limits{MaxTotalBytes: 10}, 0, nil)
	require.True(t, o.Enqueue("a", []byte("1234")))
	require.False(t, o.Enqueue("b", make([]byte, 20)))
	require.Equal(t, 1, o.Len())
}

func TestExpiryOnEnqueue(t *testing.T) {
	at := time.Unix(0, 0)
	o := NewWithClock(Limits{MaxItemAge: 10 * time.Second}, 0, nil, fixedClock(&at))

	require.True(t, o.Enqueue("stale", []byte("x")))

	at = at.Add(11 * time.Second)
	require.True(t, o.Enqueue("fresh", []byte("y")))

	got := collect(o)
	require.Len(t, got, 1)
	require.Equal(t, "fresh", got[0].Event)

	dropped, _, reason := o.DropStats()
	require.EqualValues(t, 1, dropped)
	require.Equal(t, DropExpired, reason)
}

func TestExpiryOnFlush(t *testing.T) {
	at := time.Unix(0, 0)
	o := NewWithClock(Limits{MaxItemAge: 10 * time.Second}, 0, nil, fixedClock(&at))

	require.True(t, o.Enqueue("stale", []byte("x")))
	at = at.Add(time.Minute)

	// Nothing expired is ever handed to deliver.
	delivered := false
	o.Flush(func([]Item) { delivered = true })
	require.False(t, delivered)
	require.Zero(t, o.Len())
}

func TestZeroLimitsMeanUnbounded(t *testing.T) {
	o := New(Limits{}, 0, nil)
	for i := 0; i < 5000; i++ {
		require.True(t, o.Enqueue("e", []byte("payload")))
	}
	require.Equal(t, 5000, o.Len())
}
