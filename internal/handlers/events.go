package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"notesync/internal/contextutil"
	"notesync/internal/syncer"
)

const eventWriteTimeout = 5 * time.Second

// EventsHandler streams synchronization events over a WebSocket, one JSON
// text message per event.
type EventsHandler struct {
	sync SyncController
	// OriginPatterns is passed to websocket.Accept. Empty allows same-origin only.
	OriginPatterns []string
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(sync SyncController) *EventsHandler {
	return &EventsHandler{sync: sync}
}

// ServeHTTP upgrades the connection and forwards events until the client
// goes away or a write fails. The first message is a stateChanged event
// carrying the current state.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := contextutil.LoggerFromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; ctx ends when the client closes.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	send := func(ev syncer.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, eventWriteTimeout)
		defer writeCancel()
		return conn.Write(writeCtx, websocket.MessageText, data)
	}

	// Events wait for the snapshot so that it stays the first message.
	ready := make(chan struct{})
	unsubscribe := h.sync.Subscribe(func(ev syncer.Event) {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		if err := send(ev); err != nil {
			logger.DebugContext(ctx, "event stream write failed", "error", err)
			cancel()
		}
	})
	defer unsubscribe()

	snap := h.sync.Snapshot()
	if err := send(syncer.Event{
		Type:  syncer.EventStateChanged,
		Time:  time.Now(),
		RunID: snap.RunID,
		State: snap.State,
	}); err != nil {
		logger.DebugContext(ctx, "event stream write failed", "error", err)
		return
	}
	close(ready)

	logger.DebugContext(ctx, "event stream opened")
	<-ctx.Done()
	conn.Close(websocket.StatusNormalClosure, "")
	logger.DebugContext(ctx, "event stream closed")
}
