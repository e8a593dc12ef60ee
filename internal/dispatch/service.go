package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/log"
	"github.com/mattjoyce/studiobridge/internal/protocol"
	"github.com/mattjoyce/studiobridge/internal/queue"
	"github.com/mattjoyce/studiobridge/internal/scene"
)

// introspectAction is the catalog action whose result is a scene snapshot.
const introspectAction = "introspect-scene"

// CommandQueue is the subset of *queue.Queue the service drives.
type CommandQueue interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (queue.SubmitResult, error)
	SubmitBatch(ctx context.Context, reqs []queue.SubmitRequest) ([]queue.SubmitResult, error)
	Get(ctx context.Context, id string) (*queue.Record, error)
	History(ctx context.Context, id string) ([]queue.Transition, error)
	Lease(ctx context.Context, workerID string, maxCount int) (queue.LeaseBatch, error)
	Report(ctx context.Context, req queue.ReportRequest) (queue.ReportResult, error)
	Requeue(ctx context.Context, id string) (*queue.Record, error)
}

// SceneRecorder stores introspection results.
type SceneRecorder interface {
	Replace(ctx context.Context, commandID string, data json.RawMessage) (scene.Snapshot, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Service coordinates submissions, worker pulls and result reports.
type Service struct {
	queue     CommandQueue
	scene     SceneRecorder
	publisher Publisher
	logger    *slog.Logger
}

// New creates a Service. scene and pub may be nil.
func New(q CommandQueue, sc SceneRecorder, pub Publisher) *Service {
	return &Service{
		queue:     q,
		scene:     sc,
		publisher: pub,
		logger:    log.WithComponent("dispatch"),
	}
}

// Submit enqueues one command, or returns the original when the idempotency
// key is already bound.
func (s *Service) Submit(ctx context.Context, req queue.SubmitRequest) (queue.SubmitResult, error) {
	res, err := s.queue.Submit(ctx, req)
	if err != nil {
		return queue.SubmitResult{}, err
	}
	s.publishSubmit(res)
	return res, nil
}

// SubmitBatch enqueues every command or none of them.
func (s *Service) SubmitBatch(ctx context.Context, reqs []queue.SubmitRequest) ([]queue.SubmitResult, error) {
	results, err := s.queue.SubmitBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		s.publishSubmit(res)
	}
	return results, nil
}

func (s *Service) publishSubmit(res queue.SubmitResult) {
	if res.Deduped {
		s.logger.Debug("submission deduplicated", "command_id", res.Record.ID)
		s.publish(events.TypeDeduped, res.Record)
		return
	}
	s.logger.Info("command queued",
		"command_id", res.Record.ID,
		"route", res.Record.Route,
		"action", res.Record.Action,
		"priority", res.Record.Priority,
	)
	s.publish(events.TypeQueued, res.Record)
}

// Pull leases up to limit queued commands to workerID.
func (s *Service) Pull(ctx context.Context, workerID string, limit int) (protocol.PullResponse, error) {
	batch, err := s.queue.Lease(ctx, workerID, limit)
	if err != nil {
		return protocol.PullResponse{}, err
	}

	for _, id := range batch.Expired {
		s.publish(events.TypeExpired, map[string]string{"id": id})
	}

	resp := protocol.PullResponse{
		Status:   protocol.StatusOK,
		WorkerID: workerID,
		Commands: make([]protocol.Command, 0, len(batch.Leases)),
	}
	for _, l := range batch.Leases {
		resp.Commands = append(resp.Commands, ToWire(l))
		s.publish(events.TypeLeased, l.Record)
	}
	resp.Count = len(resp.Commands)

	if resp.Count > 0 {
		log.WithWorker(workerID).Info("commands leased", "count", resp.Count)
	}
	return resp, nil
}

// ToWire converts a lease to the worker's wire form.
func ToWire(l queue.Lease) protocol.Command {
	r := l.Record
	return protocol.Command{
		CommandID:      r.ID,
		DispatchToken:  l.DispatchToken,
		Route:          r.Route,
		Category:       r.Category,
		Action:         r.Action,
		Payload:        r.Payload,
		Metadata:       r.Metadata,
		Priority:       r.Priority,
		Attempts:       r.Attempts,
		LeaseExpiresAt: r.LeaseExpiresAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

// Report applies one worker report.
func (s *Service) Report(ctx context.Context, rep protocol.Report) (queue.ReportResult, error) {
	if err := rep.Validate(); err != nil {
		return queue.ReportResult{}, fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}

	res, err := s.queue.Report(ctx, queue.ReportRequest{
		CommandID:     rep.CommandID,
		DispatchToken: rep.DispatchToken,
		OK:            rep.Succeeded(),
		Result:        rep.Result,
		Error:         rep.Error,
		Requeue:       rep.Requeue,
		ExecutionMS:   rep.ExecutionMS,
	})
	if err != nil {
		s.logger.Warn("report rejected", "command_id", rep.CommandID, "code", fault.Code(err), "error", err)
		s.publish(events.TypeRejected, map[string]string{
			"id":    rep.CommandID,
			"code":  fault.Code(err),
			"error": err.Error(),
		})
		return queue.ReportResult{}, err
	}
	if res.Duplicate {
		return res, nil
	}

	rec := res.Record
	logger := log.WithCommand(rec.ID)
	switch rec.State {
	case queue.StateCompleted:
		logger.Info("command completed", "action", rec.Action)
		s.publish(events.TypeCompleted, rec)
		s.captureScene(ctx, rec)
	case queue.StateFailed:
		logger.Warn("command failed", "action", rec.Action, "error", derefString(rec.Error))
		s.publish(events.TypeFailed, rec)
	case queue.StateQueued:
		logger.Info("command requeued by worker")
		s.publish(events.TypeRequeued, rec)
	case queue.StateExpired:
		logger.Info("command expired on requeue")
		s.publish(events.TypeExpired, rec)
	}
	return res, nil
}

// captureScene stores a completed introspection result. A failure here does
// not undo the completion.
func (s *Service) captureScene(ctx context.Context, rec *queue.Record) {
	if s.scene == nil || rec.Action != introspectAction || len(rec.Result) == 0 {
		return
	}
	snap, err := s.scene.Replace(ctx, rec.ID, rec.Result)
	if err != nil {
		s.logger.Warn("scene snapshot not stored", "command_id", rec.ID, "error", err)
		return
	}
	s.publish(events.TypeScene, map[string]any{
		"command_id": snap.CommandID,
		"updated_at": snap.UpdatedAt,
	})
}

// ReportBatch applies each report independently. A rejected item never stops
// the rest.
func (s *Service) ReportBatch(ctx context.Context, reps []protocol.Report) protocol.ReportBatchResponse {
	resp := protocol.ReportBatchResponse{
		TotalCount: len(reps),
		Outcomes:   make([]protocol.ReportOutcome, 0, len(reps)),
	}

	for i, rep := range reps {
		out := protocol.ReportOutcome{Index: i, CommandID: rep.CommandID}
		res, err := s.Report(ctx, rep)
		if err != nil {
			out.Error = err.Error()
			out.Code = fault.Code(err)
			resp.ErrorCount++
		} else {
			out.OK = true
			out.CommandID = res.Record.ID
			out.CommandStatus = string(res.Record.State)
			out.Duplicate = res.Duplicate
			resp.SuccessCount++
			if res.Duplicate {
				resp.DuplicateCount++
			}
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	resp.OK = resp.ErrorCount == 0
	return resp
}

// Status returns the current record for id.
func (s *Service) Status(ctx context.Context, id string) (*queue.Record, error) {
	return s.queue.Get(ctx, id)
}

// History returns the recorded transitions for id.
func (s *Service) History(ctx context.Context, id string) ([]queue.Transition, error) {
	if _, err := s.queue.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.queue.History(ctx, id)
}

// Requeue returns a leased command to the queue on an operator's request.
func (s *Service) Requeue(ctx context.Context, id string) (*queue.Record, error) {
	rec, err := s.queue.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == queue.StateExpired {
		s.publish(events.TypeExpired, rec)
	} else {
		s.publish(events.TypeRequeued, rec)
	}
	log.WithCommand(id).Info("command requeued by operator", "state", rec.State)
	return rec, nil
}

func (s *Service) publish(eventType string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(eventType, data)
	}
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// IsStale reports whether err is a stale-dispatch rejection.
func IsStale(err error) bool {
	return errors.Is(err, fault.ErrStaleDispatch)
}
