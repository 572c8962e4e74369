package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
	"github.com/stretchr/testify/require"
)

type streamedEvent struct {
	name string
	data eventPayload
}

func TestRealtimeStreamEmitsSessionEvents(t *testing.T) {
	harness := newAPIHarness(t)
	alice := harness.cookieFor(t, "user-a")
	bob := harness.cookieFor(t, "user-b")
	harness.pair(t, alice, bob)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, harness.server.URL+"/events/stream", http.NoBody)
	require.NoError(t, err)
	streamRequest.AddCookie(bob)
	streamResp, err := http.DefaultClient.Do(streamRequest)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	require.Contains(t, streamResp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool {
		return harness.dispatcher.SubscriberCount(exercise.PairingID(pairingOf(t, harness, bob))) == 1
	}, time.Second, 10*time.Millisecond)

	events := make(chan streamedEvent, 8)
	go readEvents(streamResp, events)

	status, created := harness.call(t, alice, http.MethodPost, "/sessions", map[string]string{"topology": "turn_taking"})
	require.Equal(t, http.StatusOK, status)
	sessionID := created["session_id"].(string)

	status, _ = harness.call(t, alice, http.MethodPut, "/sessions/"+sessionID+"/phases/share", map[string]any{
		"answers":  []map[string]string{{"item_key": "", "content": "I felt unheard at dinner."}},
		"complete": true,
	})
	require.Equal(t, http.StatusOK, status)

	seen := map[string]streamedEvent{}
	deadline := time.After(2 * time.Second)
	for {
		if _, done := seen[string(exercise.EventStepAdvanced)]; done {
			break
		}
		select {
		case event := <-events:
			seen[event.name] = event
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}

	createdEvent, ok := seen[string(exercise.EventSessionCreated)]
	require.True(t, ok)
	require.Equal(t, sessionID, createdEvent.data.SessionID)
	require.Equal(t, realtimeSourceBackend, createdEvent.data.Source)

	advanced, ok := seen[string(exercise.EventStepAdvanced)]
	require.True(t, ok)
	require.Equal(t, 1, advanced.data.CurrentStep)
	require.Equal(t, "user-a", advanced.data.ActorID)
}

func pairingOf(t *testing.T, harness *apiHarness, cookie *http.Cookie) string {
	t.Helper()
	status, current := harness.call(t, cookie, http.MethodGet, "/pairings/current", nil)
	require.Equal(t, http.StatusOK, status)
	return current["pairing_id"].(string)
}

func readEvents(response *http.Response, out chan<- streamedEvent) {
	reader := bufio.NewReader(response.Body)
	var name string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if name == realtimeEventHeartbeat {
				continue
			}
			var payload eventPayload
			if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload) == nil {
				out <- streamedEvent{name: name, data: payload}
			}
		}
	}
}
