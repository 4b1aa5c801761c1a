package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/mock/gomock"

	"notesync/internal/handlers/mocks"
	"notesync/internal/syncer"
)

func TestEventsHandler_StreamsEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockSync := mocks.NewMockSyncController(ctrl)

	subscribed := make(chan syncer.Subscriber, 1)
	unsubscribed := make(chan struct{})
	var once sync.Once
	mockSync.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(fn syncer.Subscriber) func() {
		subscribed <- fn
		return func() { once.Do(func() { close(unsubscribed) }) }
	})
	mockSync.EXPECT().Snapshot().Return(syncer.Snapshot{RunID: "run-1", State: syncer.StatePaused})

	server := httptest.NewServer(NewEventsHandler(mockSync))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.CloseNow()

	first := readEvent(ctx, t, conn)
	if first.Type != syncer.EventStateChanged || first.State != syncer.StatePaused || first.RunID != "run-1" {
		t.Errorf("first event = %+v, want the current state", first)
	}

	var publish syncer.Subscriber
	select {
	case publish = <-subscribed:
	case <-ctx.Done():
		t.Fatal("handler never subscribed")
	}

	publish(syncer.Event{Type: syncer.EventProgress, Message: "Sending local changes", Percentage: 62.5})
	publish(syncer.Event{Type: syncer.EventFinished})

	if got := readEvent(ctx, t, conn); got.Type != syncer.EventProgress || got.Percentage != 62.5 {
		t.Errorf("second event = %+v, want progress 62.5", got)
	}
	if got := readEvent(ctx, t, conn); got.Type != syncer.EventFinished {
		t.Errorf("third event = %+v, want finished", got)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	select {
	case <-unsubscribed:
	case <-ctx.Done():
		t.Fatal("handler did not unsubscribe after the client left")
	}
}

func readEvent(ctx context.Context, t *testing.T, conn *websocket.Conn) syncer.Event {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var ev syncer.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	return ev
}
