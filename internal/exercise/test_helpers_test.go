package exercise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testPairing  = "pairing-1"
	testUserA    = "user-a"
	testUserB    = "user-b"
	testOutsider = "user-z"
)

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

type sequenceIDProvider struct {
	mutex sync.Mutex
	next  int
}

func (provider *sequenceIDProvider) NewID() (string, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.next++
	return fmt.Sprintf("id-%04d", provider.next), nil
}

type failingIDProvider struct{}

func (failingIDProvider) NewID() (string, error) {
	return "", errors.New("entropy unavailable")
}

type staticDirectory struct {
	members map[PairingID]Members
	err     error
}

func (directory staticDirectory) Members(_ context.Context, pairingID PairingID) (Members, error) {
	if directory.err != nil {
		return Members{}, directory.err
	}
	members, ok := directory.members[pairingID]
	if !ok {
		return Members{}, ErrNotAuthorized
	}
	return members, nil
}

type recordingPublisher struct {
	mutex  sync.Mutex
	events []Event
}

func (publisher *recordingPublisher) Publish(event Event) {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, event)
}

func (publisher *recordingPublisher) count(eventType EventType) int {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	total := 0
	for _, event := range publisher.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

type testHarness struct {
	engine    *Engine
	db        *gorm.DB
	clock     *testClock
	publisher *recordingPublisher
	a         Participant
	b         Participant
	outsider  Participant
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:tandem_exercise_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Session{}, &Response{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T, questions []Question) *testHarness {
	t.Helper()

	db := openTestDatabase(t)
	clock := newTestClock()
	publisher := &recordingPublisher{}
	directory := staticDirectory{members: map[PairingID]Members{
		testPairing: {First: testUserA, Second: testUserB},
	}}
	engine, err := NewEngine(EngineConfig{
		Database:          db,
		Clock:             clock.Now,
		IDProvider:        &sequenceIDProvider{},
		Publisher:         publisher,
		Directory:         directory,
		Questions:         questions,
		CountdownDuration: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	t.Cleanup(engine.Countdown().Stop)

	return &testHarness{
		engine:    engine,
		db:        db,
		clock:     clock,
		publisher: publisher,
		a:         Participant{UserID: testUserA, PairingID: testPairing},
		b:         Participant{UserID: testUserB, PairingID: testPairing},
		outsider:  Participant{UserID: testOutsider, PairingID: testPairing},
	}
}

func threeQuestions() []Question {
	return []Question{
		{Key: "q1", Prompt: "Favorite city?"},
		{Key: "q2", Prompt: "Favorite food?"},
		{Key: "q3", Prompt: "Favorite season?"},
	}
}

func twoPhaseSession(questions []Question) Session {
	return Session{
		SessionID:    "session-1",
		PairingID:    testPairing,
		Topology:     TopologyTwoPhaseReveal,
		ParticipantA: testUserA,
		ParticipantB: testUserB,
		OpenKey:      pointerTo(testPairing + "|" + string(TopologyTwoPhaseReveal)),
		Questions:    questions,
	}
}
