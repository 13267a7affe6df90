package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/swarm"
)

// SubmitResponse is the JSON response for POST /tasks.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSubmit accepts a task submission and returns the task id
// immediately; the pipeline runs asynchronously.
func (s *Server) handleSubmit(c echo.Context) error {
	var req swarm.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
	}

	taskID, err := s.tasks.Submit(c.Request().Context(), &req)
	if err != nil {
		if errors.Is(err, swarm.ErrInvalidConfiguration) {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		s.logger.Error("task submission failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "submission failed"})
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{TaskID: taskID})
}

// handleGetState returns the full task snapshot in one call so a
// late-joining client can reconstruct progress, then re-subscribe to the
// event stream if the task is still running.
func (s *Server) handleGetState(c echo.Context) error {
	snapshot, err := s.tasks.GetState(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, swarm.ErrTaskNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		s.logger.Error("state read failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "state read failed"})
	}
	return c.JSON(http.StatusOK, snapshot)
}

// handleCancel requests cooperative cancellation of a running task.
func (s *Server) handleCancel(c echo.Context) error {
	if err := s.tasks.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, swarm.ErrTaskNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		s.logger.Error("cancel failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "cancel failed"})
	}
	return c.NoContent(http.StatusAccepted)
}

// handleEvents streams the task's progress events via Server-Sent Events.
//
// The handler subscribes to the task's NATS subjects and forwards each
// event verbatim; payloads are fully materialized so the client never
// needs a follow-up fetch. The stream closes when the task reaches a
// terminal phase or the client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	taskID := c.Param("id")

	snapshot, err := s.tasks.GetState(c.Request().Context(), taskID)
	if err != nil {
		if errors.Is(err, swarm.ErrTaskNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "state read failed"})
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")

	subject := fmt.Sprintf("swarm.tasks.%s.%s.>", snapshot.Task.OrgID, taskID)
	msgChan := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(subject, msgChan)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Heartbeat to keep proxies from timing the stream out.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// A client that connects after the task finished gets an immediate
	// terminal event rather than a stream that never closes.
	if snapshot.Task.Phase.Terminal() {
		fmt.Fprintf(c.Response(), "event: %s\n", swarm.EventPhaseChanged)
		fmt.Fprintf(c.Response(), "data: {\"task_id\":%q,\"type\":%q}\n\n", taskID, swarm.EventPhaseChanged)
		c.Response().Flush()
		return nil
	}

	for {
		select {
		case msg := <-msgChan:
			parts := strings.Split(msg.Subject, ".")
			if len(parts) < 5 {
				continue
			}
			eventType := parts[4]

			fmt.Fprintf(c.Response(), "event: %s\n", eventType)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			if eventType == string(swarm.EventPhaseChanged) && isTerminalPayload(msg.Data) {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// isTerminalPayload reports whether a phase_changed payload carries a
// terminal phase without fully decoding the event.
func isTerminalPayload(data []byte) bool {
	s := string(data)
	return strings.Contains(s, `"phase":"completed"`) || strings.Contains(s, `"phase":"failed"`)
}
