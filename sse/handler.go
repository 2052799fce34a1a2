// Package sse streams registry change events to HTTP clients as
// Server-Sent Events. A client can ask for the current registry contents
// first and then follows live changes.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/switchboard/bus"
	"github.com/petal-labs/switchboard/catalog"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Snapshotter supplies the current registry contents for replay.
type Snapshotter interface {
	Services() catalog.Snapshot[catalog.Entry]
	Agents() catalog.Snapshot[catalog.Agent]
}

// Handler serves registry events.
//
// Query parameters:
//
//	topic=service|agent  restrict the stream to one topic
//	snapshot=true        send the current contents as upsert events first
//	after={revision}     skip events at or below this revision
//
// SSE format:
//
//	id: {revision}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval.
type Handler struct {
	bus       bus.EventBus
	snapshots Snapshotter
	heartbeat time.Duration
}

// NewHandler creates a handler. snapshots may be nil, in which case
// snapshot=true is ignored.
func NewHandler(eb bus.EventBus, snapshots Snapshotter) *Handler {
	return &Handler{bus: eb, snapshots: snapshots, heartbeat: HeartbeatInterval}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	topic := bus.Topic(query.Get("topic"))
	switch topic {
	case "", bus.TopicService, bus.TopicAgent:
	default:
		http.Error(w, "invalid topic parameter", http.StatusBadRequest)
		return
	}

	var lastRevision uint64
	if raw := query.Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		lastRevision = parsed
	}

	replay := false
	if raw := query.Get("snapshot"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid snapshot parameter", http.StatusBadRequest)
			return
		}
		replay = parsed && h.snapshots != nil
	}

	// Subscribe before the snapshot and before the client sees the response
	// headers so no change falls in between.
	var sub bus.Subscription
	if topic == "" {
		sub = h.bus.SubscribeAll()
	} else {
		sub = h.bus.Subscribe(topic)
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	if replay {
		if err := h.replaySnapshot(ctx, w, flusher, topic, &lastRevision); err != nil {
			return
		}
	}
	h.streamLive(ctx, w, flusher, sub, &lastRevision)
}

// replaySnapshot writes the current contents as upsert events stamped with
// the snapshot revision. Live events at or below the oldest snapshot revision
// are already reflected and are skipped afterwards. Later ones may repeat an
// upsert already sent, which clients apply idempotently.
func (h *Handler) replaySnapshot(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, topic bus.Topic, lastRevision *uint64) error {
	var events []bus.Event
	revision := ^uint64(0)
	if topic == "" || topic == bus.TopicService {
		services := h.snapshots.Services()
		revision = min(revision, services.Revision)
		for i := range services.Items {
			events = append(events, bus.Event{
				Kind:     bus.EventServiceUpserted,
				Key:      services.Items[i].ProviderID,
				Revision: services.Revision,
				Service:  &services.Items[i],
			})
		}
	}
	if topic == "" || topic == bus.TopicAgent {
		agents := h.snapshots.Agents()
		revision = min(revision, agents.Revision)
		for i := range agents.Items {
			events = append(events, bus.Event{
				Kind:     bus.EventAgentUpserted,
				Key:      agents.Items[i].ID,
				Revision: agents.Revision,
				Agent:    &agents.Items[i],
			})
		}
	}

	now := time.Now().UTC()
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		evt.Time = now
		if err := writeSSEEvent(w, evt); err != nil {
			return err
		}
	}
	flusher.Flush()
	if revision > *lastRevision {
		*lastRevision = revision
	}
	return nil
}

func (h *Handler) streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, lastRevision *uint64) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Revision <= *lastRevision {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastRevision = evt.Revision

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Revision, evt.Kind, data)
	return err
}
