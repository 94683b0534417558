package attendsync

import (
	"sync"
)

// Broadcaster fans SyncSession row changes out to progress subscribers,
// keyed by connection. Delivery is at-least-once and best-effort ordered:
// a slow subscriber loses intermediate snapshots, never the channel.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan SyncSession
	nextID      int
	buffer      int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{
		subscribers: map[string]map[int]chan SyncSession{},
		buffer:      buffer,
	}
}

// Subscribe returns a channel of run snapshots for one connection and a
// cancel function that must be called exactly once.
func (b *Broadcaster) Subscribe(connectionID string) (<-chan SyncSession, func()) {
	ch := make(chan SyncSession, b.buffer)
	b.mu.Lock()
	subs, ok := b.subscribers[connectionID]
	if !ok {
		subs = map[int]chan SyncSession{}
		b.subscribers[connectionID] = subs
	}
	id := b.nextID
	b.nextID++
	subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subscribers[connectionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subscribers, connectionID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish never blocks the sync path: when a subscriber's buffer is full the
// oldest snapshot is dropped to make room for the newest.
func (b *Broadcaster) Publish(run SyncSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers[run.ConnectionID] {
		for {
			select {
			case ch <- run:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *Broadcaster) SubscriberCount(connectionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[connectionID])
}
