package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "tandem-api"
	defaultStreamBuffer    = 16
)

// RealtimeDispatcher fans exercise events out to every open stream of the pairing. Slow
// subscribers drop events rather than block the publisher; clients re-fetch state on reconnect.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[exercise.PairingID]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan exercise.Event
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[exercise.PairingID]map[int64]*realtimeSubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a stream for pairingID until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, pairingID exercise.PairingID) (<-chan exercise.Event, func()) {
	if pairingID == "" {
		ch := make(chan exercise.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan exercise.Event, d.bufferSize),
	}
	d.registerSubscriber(pairingID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(pairingID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements exercise.Publisher.
func (d *RealtimeDispatcher) Publish(event exercise.Event) {
	if event.PairingID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.PairingID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams for pairingID.
func (d *RealtimeDispatcher) SubscriberCount(pairingID exercise.PairingID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[pairingID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(pairingID exercise.PairingID, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[pairingID]; !ok {
		d.subscribers[pairingID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[pairingID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(pairingID exercise.PairingID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[pairingID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, pairingID)
		}
	}
	d.mu.Unlock()
}
