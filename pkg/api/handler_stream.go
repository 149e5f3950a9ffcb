package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/runforge/agentrunner/pkg/events"
	"github.com/runforge/agentrunner/pkg/metrics"
	"github.com/runforge/agentrunner/pkg/models"
)

// streamReplayPage bounds one store read during catch-up replay.
const streamReplayPage = 500

// handleStreamEvents serves GET /runs/{id}/events/stream as Server-Sent
// Events. The subscription is taken before the store replay, so events
// committed during the replay arrive on the live channel; anything delivered
// twice across that boundary is dropped by the lastSent cursor. The cursor
// starts from after_id or, on reconnect, from the Last-Event-ID header. The
// stream closes cleanly once a terminal event has been delivered.
func (s *Server) handleStreamEvents(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}

	afterID, ok := streamCursor(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		mapServiceError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	sub, err := s.hub.Subscribe(runID)
	if err != nil {
		s.logger.Error("Failed to subscribe to run events", "run_id", runID, "error", err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	lastSent := afterID

	// Catch-up replay from the store. The live channel buffers meanwhile.
	for {
		page, err := s.eventLog.List(ctx, runID, lastSent, streamReplayPage)
		if err != nil {
			s.logger.Error("Event replay failed", "run_id", runID, "error", err)
			return
		}
		for _, evt := range page {
			if err := writeEventFrame(c.Writer, evt); err != nil {
				return
			}
			lastSent = evt.ID
			if events.IsTerminalType(evt.Type) {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
		if len(page) < streamReplayPage {
			break
		}
	}

	keepalive := time.NewTicker(s.cfg.SSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, open := <-sub.C:
			if !open {
				// Hub dropped us (slow consumer or shutdown); the client
				// reconnects with its cursor.
				return
			}
			if evt.ID <= lastSent {
				continue
			}
			if err := writeEventFrame(c.Writer, evt); err != nil {
				return
			}
			lastSent = evt.ID
			flusher.Flush()
			if events.IsTerminalType(evt.Type) {
				return
			}

		case <-keepalive.C:
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEventFrame renders one event as an SSE frame carrying the event id,
// its type as the SSE event name, and the full event JSON as data.
func writeEventFrame(w io.Writer, evt *models.Event) error {
	return sse.Encode(w, sse.Event{
		Id:    strconv.FormatInt(evt.ID, 10),
		Event: evt.Type,
		Data:  evt,
	})
}

// streamCursor resolves the starting cursor: the after_id query parameter,
// or the Last-Event-ID header a reconnecting EventSource sends.
func streamCursor(c *gin.Context) (int64, bool) {
	raw := c.Query("after_id")
	if raw == "" {
		raw = c.Request.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, true
	}
	afterID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || afterID < 0 {
		badRequest(c, "after_id", "after_id must be a non-negative integer")
		return 0, false
	}
	return afterID, true
}
