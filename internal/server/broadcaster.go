package server

import (
	"log/slog"
	"sync"
)

type subscriber struct {
	ch chan []byte
	// primed is set once the subscriber has been sent a header group;
	// clusters are useless to a player before that.
	primed bool
}

// Broadcaster fans the units of one live stream out to its viewers. The
// header group is cached and sent first to every new subscriber.
type Broadcaster struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	header      []byte
	closed      bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:      logger,
		subscribers: make(map[string]*subscriber),
	}
}

// SetHeader caches the header group of a new segment and sends it to every
// current subscriber, so viewers that joined before the encoder start
// playing as soon as it arrives.
func (b *Broadcaster) SetHeader(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.header = append([]byte(nil), data...)
	b.logger.Debug("Header group cached", "size", len(data))

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- b.header:
			sub.primed = true
		default:
			b.drop(id, sub)
		}
	}
}

// Header returns the cached header group, or nil.
func (b *Broadcaster) Header() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.header
}

// Subscribe registers a viewer. The returned channel is closed when the
// viewer falls behind by more than bufferSize units or the broadcaster
// closes.
func (b *Broadcaster) Subscribe(id string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, bufferSize)
	if b.closed {
		close(ch)
		return ch
	}

	sub := &subscriber{ch: ch}
	if b.header != nil {
		ch <- b.header
		sub.primed = true
	}
	b.subscribers[id] = sub

	b.logger.Info("Viewer subscribed", "subscriber", id, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a viewer and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
		b.logger.Info("Viewer unsubscribed", "subscriber", id, "remaining", len(b.subscribers))
	}
}

// Broadcast sends one cluster to every primed subscriber. Subscribers with
// a full channel are dropped rather than stalling the ingest.
func (b *Broadcaster) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, sub := range b.subscribers {
		if !sub.primed {
			continue
		}
		select {
		case sub.ch <- data:
		default:
			b.drop(id, sub)
		}
	}
}

// drop must be called with mu held.
func (b *Broadcaster) drop(id string, sub *subscriber) {
	close(sub.ch)
	delete(b.subscribers, id)
	b.logger.Warn("Dropping viewer that fell behind", "subscriber", id)
}

// Close disconnects every viewer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = make(map[string]*subscriber)
}

// SubscriberCount returns the number of connected viewers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
