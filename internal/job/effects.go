package job

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/outbox"
	"github.com/pitabwire/requisition/model"
)

// inlineQueue runs tasks on the caller's goroutine. Failures are logged.
type inlineQueue struct {
	logger *zap.Logger
}

func (q inlineQueue) Enqueue(t outbox.Task) error {
	if err := t.Run(context.Background()); err != nil {
		q.logger.Warn("background task failed", zap.String("kind", t.Kind), zap.String("key", t.Key), zap.Error(err))
	}
	return nil
}

// statusChanged records a status transition. The history record is written
// right away because RELEASE reads it back; if that write fails it is retried
// through the outbox.
func (s *Service) statusChanged(ctx context.Context, j *model.Job, from model.JobStatus, actorID string) {
	s.metrics.RecordJobTransition(string(from), string(j.Status))
	s.logger.Info("job status changed",
		zap.String("job_id", j.ID),
		zap.String("from", string(from)),
		zap.String("to", string(j.Status)),
		zap.String("actor_id", actorID),
	)
	s.appendHistory(ctx, model.HistoryRecord{
		JobID:     j.ID,
		ProgramID: j.ProgramID,
		Event:     model.HistoryEventStatusChange,
		ActorID:   actorID,
		Status:    j.Status,
		Diff:      statusChange(from, j.Status),
	})
	s.enqueueNotification(ctx, j, model.HistoryEventStatusChange, nil)
}

func (s *Service) appendHistory(ctx context.Context, rec model.HistoryRecord) {
	rec.ID = s.newID()
	rec.CreatedAt = s.now()
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.AppendHistory(ctx, rec)
	})
	if err == nil {
		return
	}
	s.logger.Warn("write job history, retrying in background", zap.String("job_id", rec.JobID), zap.Error(err))
	s.enqueue(outbox.Task{
		Kind:    outbox.KindHistory,
		Key:     rec.JobID,
		Payload: rec,
		Run:     s.historyWriter(rec),
	})
}

func (s *Service) enqueueHistory(ctx context.Context, j *model.Job, event, actorID string, diff []model.FieldChange) {
	rec := model.HistoryRecord{
		ID:        s.newID(),
		JobID:     j.ID,
		ProgramID: j.ProgramID,
		Event:     event,
		ActorID:   actorID,
		Status:    j.Status,
		Diff:      diff,
		CreatedAt: s.now(),
	}
	s.enqueue(outbox.Task{
		Kind:    outbox.KindHistory,
		Key:     j.ID,
		Payload: rec,
		Run:     s.historyWriter(rec),
	})
}

func (s *Service) historyWriter(rec model.HistoryRecord) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx Tx) error {
			return tx.AppendHistory(ctx, rec)
		})
	}
}

func (s *Service) enqueueNotification(_ context.Context, j *model.Job, event string, wf *model.Workflow) {
	if s.notifier == nil {
		return
	}
	n := model.Notification{
		Event:      event,
		ProgramID:  j.ProgramID,
		JobID:      j.ID,
		Recipients: pendingRecipients(wf),
		Data: map[string]any{
			"status":         string(j.Status),
			"job_manager_id": j.JobManagerID,
			"no_positions":   j.NoPositions,
		},
	}
	if wf != nil {
		n.Data["workflow_id"] = wf.ID
		n.Data["flow_type"] = wf.FlowType
	}
	s.enqueue(outbox.Task{
		Kind:    outbox.KindNotification,
		Key:     j.ID,
		Payload: n,
		Run: func(ctx context.Context) error {
			return s.notifier.Send(ctx, n)
		},
	})
}

func (s *Service) enqueue(t outbox.Task) {
	if err := s.outbox.Enqueue(t); err != nil {
		s.logger.Warn("background task not queued", zap.String("kind", t.Kind), zap.String("key", t.Key), zap.Error(err))
	}
}

// pendingRecipients returns the users who must act on the first pending
// level of wf.
func pendingRecipients(wf *model.Workflow) []string {
	if wf == nil || wf.Status != model.WorkflowStatusPending {
		return nil
	}
	for _, l := range wf.Levels {
		if l.Status != model.LevelStatusPending {
			continue
		}
		var ids []string
		for _, r := range l.RecipientTypes {
			if r.Status == model.RecipientStatusPending {
				ids = append(ids, r.UserIDs()...)
			}
		}
		return ids
	}
	return nil
}
