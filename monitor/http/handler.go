// Package http provides a read-only HTTP handler exposing bus statistics and
// recorded events as JSON or MessagePack.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rbaliyan/hftbus"
	"github.com/rbaliyan/hftbus/monitor/stream"
	"github.com/rbaliyan/hftbus/recorder"
)

// MessagePack content type
const contentTypeMsgpack = "application/msgpack"

// Source is the bus surface the handler reads from.
type Source interface {
	Name() string
	Stats() map[hftbus.TypeTag]hftbus.StatsSnapshot
	Recorder() *recorder.Recorder
}

var _ Source = (*hftbus.Bus)(nil)

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Bus   string                          `json:"bus" msgpack:"bus"`
	Types map[string]hftbus.StatsSnapshot `json:"types" msgpack:"types"`
}

// Event is one recorded envelope as exposed over HTTP.
type Event struct {
	Index     uint64 `json:"index" msgpack:"index"`
	ID        string `json:"id" msgpack:"id"`
	Seq       uint64 `json:"seq" msgpack:"seq"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
	Priority  string `json:"priority" msgpack:"priority"`
	Type      string `json:"type" msgpack:"type"`
	Payload   any    `json:"payload" msgpack:"payload"`
}

// EventsResponse is the body of GET /v1/events.
type EventsResponse struct {
	Events []Event `json:"events" msgpack:"events"`
	Total  uint64  `json:"total" msgpack:"total"`
}

// Handler implements http.Handler for bus inspection.
type Handler struct {
	src         Source
	broadcaster *stream.Broadcaster
	mux         *http.ServeMux
}

// Option configures a Handler
type Option func(*Handler)

// WithStream serves live samples from b on GET /v1/stream. The caller starts
// and stops the broadcaster.
func WithStream(b *stream.Broadcaster) Option {
	return func(h *Handler) {
		h.broadcaster = b
	}
}

// New creates a new HTTP handler over src.
func New(src Source, opts ...Option) *Handler {
	h := &Handler{
		src: src,
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	// GET /v1/stats - counters for every type
	// GET /v1/stats/{type} - counters for one type
	// GET /v1/events - recorded events, filtered by query params
	// DELETE /v1/events - clear the recorder
	// GET /v1/stream - newline-delimited JSON samples
	h.mux.HandleFunc("/v1/stats", h.handleStats)
	h.mux.HandleFunc("/v1/stats/", h.handleTypeStats)
	h.mux.HandleFunc("/v1/events", h.handleEvents)
	h.mux.HandleFunc("/v1/stream", h.handleStream)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleStats handles GET /v1/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := h.src.Stats()
	resp := StatsResponse{
		Bus:   h.src.Name(),
		Types: make(map[string]hftbus.StatsSnapshot, len(stats)),
	}
	for tag, s := range stats {
		resp.Types[string(tag)] = s
	}
	h.writeResponse(w, r, http.StatusOK, resp)
}

// handleTypeStats handles GET /v1/stats/{type}
func (h *Handler) handleTypeStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tag := strings.TrimPrefix(r.URL.Path, "/v1/stats/")
	if tag == "" {
		h.handleStats(w, r)
		return
	}

	s, ok := h.src.Stats()[hftbus.TypeTag(tag)]
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown event type")
		return
	}
	h.writeResponse(w, r, http.StatusOK, s)
}

// handleEvents handles GET /v1/events and DELETE /v1/events
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	rec := h.src.Recorder()
	if rec == nil {
		h.writeError(w, http.StatusNotFound, "recording is disabled")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleList(w, r, rec)
	case http.MethodDelete:
		rec.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleList lists recorded events.
//
// Query parameters:
//   - type: only events of this tag
//   - start, end: timestamp bounds in nanoseconds, inclusive
//   - limit: only the most recent n matching events
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, rec *recorder.Recorder) {
	q := r.URL.Query()

	start, end := int64(0), int64(1<<63-1)
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = strconv.ParseInt(v, 10, 64); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = strconv.ParseInt(v, 10, 64); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	tag := hftbus.TypeTag(q.Get("type"))

	var events []Event
	for _, record := range rec.EventsInRange(start, end) {
		if tag != "" && record.Type != tag {
			continue
		}
		events = append(events, toEvent(record))
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []Event{}
	}

	h.writeResponse(w, r, http.StatusOK, EventsResponse{Events: events, Total: rec.Total()})
}

// handleStream handles GET /v1/stream
//
// Query parameters:
//   - type: only samples of these tags, repeatable
//   - dropping: only types that dropped events since the previous sample
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.broadcaster == nil {
		h.writeError(w, http.StatusNotFound, "streaming is disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q := r.URL.Query()
	filter := stream.Filter{DroppingOnly: q.Get("dropping") == "true"}
	for _, tag := range q["type"] {
		filter.Types = append(filter.Types, hftbus.TypeTag(tag))
	}
	sub := h.broadcaster.Subscribe(filter)
	defer h.broadcaster.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case sample := <-sub.Samples():
			if err := enc.Encode(sample); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func toEvent(record recorder.Record) Event {
	return Event{
		Index:     record.Index,
		ID:        record.ID.String(),
		Seq:       record.Seq,
		Timestamp: record.Timestamp,
		Priority:  record.Priority.String(),
		Type:      string(record.Type),
		Payload:   record.Payload,
	}
}

// wantsMsgpack reports whether the client asked for MessagePack.
func wantsMsgpack(r *http.Request) bool {
	if r.URL.Query().Get("format") == "msgpack" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), contentTypeMsgpack)
}

func (h *Handler) writeResponse(w http.ResponseWriter, r *http.Request, code int, v any) {
	var (
		data        []byte
		err         error
		contentType = "application/json"
	)
	if wantsMsgpack(r) {
		data, err = msgpack.Marshal(v)
		contentType = contentTypeMsgpack
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
