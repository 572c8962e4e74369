package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "pairing-1")
	defer cleanup()

	dispatcher.Publish(exercise.Event{
		PairingID:   "pairing-1",
		SessionID:   "session-1",
		Type:        exercise.EventStepAdvanced,
		CurrentStep: 1,
		Timestamp:   time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != exercise.EventStepAdvanced {
			t.Fatalf("expected event type %s, got %s", exercise.EventStepAdvanced, received.Type)
		}
		if received.CurrentStep != 1 {
			t.Fatalf("expected step 1, got %d", received.CurrentStep)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByPairing(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pairingStream, cleanup := dispatcher.Subscribe(ctx, "pairing-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "pairing-3")
	defer otherCleanup()

	dispatcher.Publish(exercise.Event{
		PairingID: "pairing-3",
		Type:      exercise.EventSessionCreated,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-pairingStream:
		t.Fatal("did not expect realtime message for unrelated pairing")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.PairingID != "pairing-3" {
			t.Fatalf("expected pairing-3, received %s", msg.PairingID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed pairing")
	}
}

func TestRealtimeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "pairing-4")
	defer cleanup()

	for index := 0; index < defaultStreamBuffer+5; index++ {
		dispatcher.Publish(exercise.Event{PairingID: "pairing-4", Type: exercise.EventResponseSubmitted})
	}
	if len(stream) != defaultStreamBuffer {
		t.Fatalf("expected buffered events to cap at %d, got %d", defaultStreamBuffer, len(stream))
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, _ = dispatcher.Subscribe(ctx, "pairing-5")
	if dispatcher.SubscriberCount("pairing-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("pairing-5") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
