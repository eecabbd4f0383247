// Package events fans processing progress out to subscribers. Delivery is
// fire-and-forget: a slow or absent subscriber never blocks processing, and
// job state in the database stays correct without any events being observed.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

// Event types.
const (
	TypeJobStarted    Type = "job_started"
	TypeJobCompleted  Type = "job_completed"
	TypeJobPaused     Type = "job_paused"
	TypeJobResumed    Type = "job_resumed"
	TypeJobCancelled  Type = "job_cancelled"
	TypeJobError      Type = "job_error"
	TypeJobReset      Type = "job_reset"
	TypeRowStarted    Type = "row_started"
	TypeRowProcessed  Type = "row_processed"
	TypeRowError      Type = "row_error"
	TypeStageStarted  Type = "stage_started"
	TypeStageComplete Type = "stage_completed"
	TypeProcessingLog Type = "processing_log"
)

// Event is one progress update. RowIndex is -1 for job-scoped events.
type Event struct {
	Type     Type      `json:"type"`
	JobID    uuid.UUID `json:"job_id"`
	RowIndex int       `json:"row_index"`
	Stage    string    `json:"stage,omitempty"`
	Message  string    `json:"message,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	Time     time.Time `json:"time"`
}

// subscriberBuffer is the per-subscriber queue depth before events drop.
const subscriberBuffer = 64

// Hub is an in-process publish/subscribe fan-out.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release it; the channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber that has buffer room.
// Full subscribers miss the event rather than slowing the publisher.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
