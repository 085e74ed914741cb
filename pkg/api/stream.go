package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/euglena-ai/euglena/pkg/contract"
)

// streamTask serves a task's status over SSE. The stored record goes out
// first as a snapshot, then live envelopes until the task reaches a terminal
// state or the client disconnects. Clients order events by Seq, so a live
// envelope racing the snapshot is harmless.
func (s *Server) streamTask(c *gin.Context) {
	correlationID := c.Param("id")

	// Subscribe before the snapshot read so no envelope falls in the gap.
	updates, cancel := s.hub.Subscribe(correlationID)
	defer cancel()

	task, err := s.store.GetTask(c.Request.Context(), correlationID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	if err := writeSSE(c.Writer, "snapshot", task); err != nil {
		return
	}
	if task.State.Terminal() {
		return
	}

	period := s.cfg.Server.SSEKeepAlive
	if period <= 0 {
		period = 15 * time.Second
	}
	keepAlive := time.NewTicker(period)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case env := <-updates:
			if err := writeSSE(c.Writer, "status", env); err != nil {
				return
			}
			if state, merr := contract.MapStatusToTaskState(env.Type); merr == nil && state.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w gin.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
