package serialmux

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// Tap fans raw lines out to any number of live subscribers, such as the
// admin tail endpoint. Publishing never blocks: a subscriber that is not
// ready misses the line.
type Tap struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
}

// NewTap returns an empty Tap.
func NewTap() *Tap {
	return &Tap{subscribers: make(map[string]chan string)}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. The returned ID is passed to
// Unsubscribe. After Close the channel is returned already closed.
func (t *Tap) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *Tap) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Publish offers line to every subscriber without blocking.
func (t *Tap) Publish(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (t *Tap) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Close closes every subscriber channel and rejects new subscribers.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}
