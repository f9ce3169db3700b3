package bus

import (
	"sync"
)

// NewLocalService returns a Service backed by process memory instead of
// Redis, for single-instance deployments. Publishes are delivered to local
// subscriptions through a single dispatch goroutine, so per-channel ordering
// matches what the Redis-backed service guarantees. Snapshot keys live in an
// in-memory map.
func NewLocalService() *Service {
	h := &localHub{
		keys:  make(map[string][]byte),
		queue: make(chan localMessage, 256),
		done:  make(chan struct{}),
	}
	go h.run()
	return &Service{local: h}
}

type localMessage struct {
	channel string
	payload string
}

// localHub is the in-process stand-in for the Redis pub/sub plus key store.
type localHub struct {
	mu   sync.Mutex
	keys map[string][]byte
	subs []*Subscription

	queue     chan localMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (h *localHub) run() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.queue:
			h.mu.Lock()
			targets := make([]*Subscription, 0, len(h.subs))
			for _, sub := range h.subs {
				if sub.wants(msg.channel) {
					targets = append(targets, sub)
				}
			}
			h.mu.Unlock()
			for _, sub := range targets {
				sub.handler(msg.channel, msg.payload)
			}
		}
	}
}

func (h *localHub) publish(channel string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	select {
	case h.queue <- localMessage{channel: channel, payload: string(data)}:
	case <-h.done:
	}
	return nil
}

func (h *localHub) subscribe(handler func(channel, payload string), channels ...string) *Subscription {
	sub := &Subscription{
		hub:     h,
		handler: handler,
		subbed:  make(map[string]bool, len(channels)),
	}
	for _, c := range channels {
		sub.subbed[c] = true
	}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub
}

func (h *localHub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s == sub {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *localHub) setKey(key string, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[key] = value
}

func (h *localHub) getKey(key string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keys[key]
}

func (h *localHub) delKey(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keys, key)
}

func (h *localHub) close() {
	h.closeOnce.Do(func() { close(h.done) })
}
