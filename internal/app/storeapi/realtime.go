package storeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/todo-1m/replicasync/internal/remote"
)

// ConnectEvent is the first event on every realtime stream.
const ConnectEvent = "PB_CONNECT"

// handleRealtime streams one collection's change notifications as
// server-sent events named after the collection. Like the NATS feed, the
// stream is not filtered by owner; clients drop records that are not theirs.
func (h *Handler) handleRealtime(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, &remote.Error{Status: http.StatusInternalServerError, Message: "Streaming is not supported."})
		return
	}
	collection := strings.TrimSpace(r.URL.Query().Get("collection"))
	if collection == "" {
		h.writeError(w, remote.BadRequest("collection is required."))
		return
	}
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		topic = remote.TopicAll
	}

	sub, err := h.Store.Subscribe(r.Context(), collection, topic)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	clientID := nuid.Next()
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: {\"clientId\":%q}\n\n", clientID, ConnectEvent, clientID)
	flusher.Flush()

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	events := sub.Events()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				h.Logger.Error("encode realtime event", "collection", collection, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", n.ID, collection, payload)
			flusher.Flush()
		}
	}
}
