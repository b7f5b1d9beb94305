package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan []byte) []string {
	var got []string
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				return append(got, "<closed>")
			}
			got = append(got, string(b))
		default:
			return got
		}
	}
}

func TestBroadcasterWaitsForHeader(t *testing.T) {
	b := NewBroadcaster(testLogger())
	early := b.Subscribe("early", 4)

	b.Broadcast([]byte("orphan cluster"))
	b.SetHeader([]byte("header"))
	b.Broadcast([]byte("cluster 1"))

	late := b.Subscribe("late", 4)
	b.Broadcast([]byte("cluster 2"))

	assert.Equal(t, []string{"header", "cluster 1", "cluster 2"}, drain(early))
	assert.Equal(t, []string{"header", "cluster 2"}, drain(late))
	assert.Equal(t, "header", string(b.Header()))
}

func TestBroadcasterDropsSlowViewer(t *testing.T) {
	b := NewBroadcaster(testLogger())
	b.SetHeader([]byte("header"))
	slow := b.Subscribe("slow", 2)
	fast := b.Subscribe("fast", 8)

	for i := 0; i < 3; i++ {
		b.Broadcast([]byte{byte('a' + i)})
	}
	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, []string{"header", "a", "<closed>"}, drain(slow))
	assert.Equal(t, []string{"header", "a", "b", "c"}, drain(fast))

	b.Unsubscribe("slow")
	b.Unsubscribe("fast")
	assert.Zero(t, b.SubscriberCount())
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster(testLogger())
	ch := b.Subscribe("viewer", 1)
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	after := b.Subscribe("after", 1)
	_, ok = <-after
	require.False(t, ok)
	b.Broadcast([]byte("ignored"))
}
