package exercise

import "time"

// EventType names a session state change delivered to both participants.
type EventType string

const (
	EventSessionCreated    EventType = "session-created"
	EventResponseSubmitted EventType = "response-submitted"
	EventPhaseCompleted    EventType = "phase-completed"
	EventStepAdvanced      EventType = "step-advanced"
	EventSessionClosed     EventType = "session-closed"
	EventCountdownStarted  EventType = "countdown-started"
)

// Event is published after a mutation commits. Delivery is best-effort; clients recover a
// missed event by re-fetching the session.
type Event struct {
	PairingID   PairingID
	SessionID   SessionID
	Type        EventType
	Topology    Topology
	CurrentStep int
	ActorID     ParticipantID
	ClosedBy    CloseReason
	Timestamp   time.Time
}

// Publisher fans events out to the pairing's connected clients.
type Publisher interface {
	Publish(event Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

func sessionEvent(session Session, eventType EventType, actor ParticipantID, at time.Time) Event {
	event := Event{
		PairingID:   PairingID(session.PairingID),
		SessionID:   SessionID(session.SessionID),
		Type:        eventType,
		Topology:    session.Topology,
		CurrentStep: session.CurrentStep,
		ActorID:     actor,
		Timestamp:   at.UTC(),
	}
	if session.ClosedBy != nil {
		event.ClosedBy = *session.ClosedBy
	}
	return event
}
