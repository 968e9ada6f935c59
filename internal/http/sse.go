package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mofsci/internal/events"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
	"github.com/fyrsmithlabs/mofsci/internal/services"
)

// handleRunEvents streams a run's trace via Server-Sent Events.
//
// Records already stored are replayed first, then live records are relayed
// from NATS until the done event. A finished run is replayed in full and the
// stream ends immediately.
//
// SSE Event Types:
//   - trace: one transition record
//   - done: the run summary, always last
//
// Example:
//
//	GET /api/v1/runs/{id}/events
//
//	event: trace
//	data: {"run_id":"...","record":{"seq":1,"stage":"proposing","next":"reviewing",...}}
//
//	event: done
//	data: {"run_id":"...","outcome":"completed",...}
func (s *Server) handleRunEvents(c echo.Context) error {
	id, err := s.runID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	// Subscribe before looking at stored state so no record falls between
	// the replay and the live stream.
	var sub *events.Subscription
	if s.runs.Streaming() {
		sub, err = s.runs.Subscribe(id)
		if err != nil {
			s.logger.Error("subscribing to run events", zap.String("run_id", id), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "subscribing to run events failed")
		}
		defer func() {
			_ = sub.Close()
		}()
	}

	snap, err := s.finished(c, id)
	if err != nil {
		return err
	}
	if snap != nil {
		return s.replayFinished(c, snap)
	}
	if sub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "trace streaming is not configured")
	}

	startStream(c)

	lastSeq := 0
	if stored, err := s.runs.Trace(ctx, id); err == nil {
		for _, rec := range stored {
			if err := writeJSONEvent(c, events.KindTrace, events.TraceEvent{RunID: id, Record: rec}); err != nil {
				return nil
			}
			lastSeq = rec.Seq
		}
	}

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sub.C:
			kind := events.Kind(msg)
			if kind == events.KindTrace {
				var ev events.TraceEvent
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					s.logger.Warn("dropping undecodable trace event", zap.String("run_id", id), zap.Error(err))
					continue
				}
				if ev.Record.Seq <= lastSeq {
					continue
				}
				lastSeq = ev.Record.Seq
			}
			writeEvent(c, kind, msg.Data)

			if kind == events.KindDone {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-ctx.Done():
			// Client disconnected
			return nil
		}
	}
}

// finished returns the run's snapshot when it has ended, nil while it is in
// flight, and a 404 error when the run is unknown.
func (s *Server) finished(c echo.Context, id string) (*orchestrator.Snapshot, error) {
	ctx := c.Request().Context()
	snap, err := s.runs.Get(ctx, id)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		s.logger.Error("loading run", zap.String("run_id", id), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}
	if s.runs.Running(id) {
		return nil, nil
	}
	// the run may have finished between the two checks
	if snap, err := s.runs.Get(ctx, id); err == nil {
		return snap, nil
	}
	return nil, echo.NewHTTPError(http.StatusNotFound, "run not found")
}

func (s *Server) replayFinished(c echo.Context, snap *orchestrator.Snapshot) error {
	startStream(c)
	for _, rec := range snap.Trace {
		if err := writeJSONEvent(c, events.KindTrace, events.TraceEvent{RunID: snap.RunID, Record: rec}); err != nil {
			return nil
		}
	}
	_ = writeJSONEvent(c, events.KindDone, events.NewDoneEvent(*snap))
	return nil
}

func startStream(c echo.Context) {
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
}

func writeJSONEvent(c echo.Context, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeEvent(c, kind, data)
	return nil
}

func writeEvent(c echo.Context, kind string, data []byte) {
	fmt.Fprintf(c.Response(), "event: %s\n", kind)
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	c.Response().Flush()
}
