package messaging

import (
	"sync"

	"github.com/pkg/errors"
)

// LocalBus is an in-process Bus. Handlers of one subject run sequentially
// on a dedicated goroutine, in publish order.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*localSub
	nextID int
	closed bool
}

type localSub struct {
	queue chan []byte
	done  chan struct{}
}

const localQueueSize = 256

// NewLocalBus returns an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]*localSub)}
}

// Publish implements Bus. A full subscriber queue drops the message, the
// same best-effort delivery NATS core gives slow consumers.
func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("messaging: bus closed")
	}
	for _, s := range b.subs[subject] {
		select {
		case s.queue <- data:
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("messaging: bus closed")
	}

	s := &localSub{queue: make(chan []byte, localQueueSize), done: make(chan struct{})}
	id := b.nextID
	b.nextID++
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]*localSub)
	}
	b.subs[subject][id] = s

	go func() {
		for {
			select {
			case data := <-s.queue:
				handler(data)
			case <-s.done:
				return
			}
		}
	}()

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs, ok := b.subs[subject]
		if !ok {
			return nil
		}
		if _, ok := subs[id]; !ok {
			return nil
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subs, subject)
		}
		close(s.done)
		return nil
	}, nil
}

// Close stops every subscription.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.subs = nil
}
