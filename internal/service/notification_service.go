package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-api/internal/models"
	"github.com/noah-isme/enroll-api/pkg/config"
	"github.com/noah-isme/enroll-api/pkg/jobs"
)

// EnrollmentEvent describes a completed transition for downstream consumers
// (e.g. notifying a parent of a drop). Dispatch is fire-and-forget: a failed
// notification never affects the transition that produced it.
type EnrollmentEvent struct {
	EnrollmentID string                  `json:"enrollment_id"`
	ResourceID   string                  `json:"resource_id"`
	StudentID    string                  `json:"student_id"`
	Status       models.EnrollmentStatus `json:"status"`
	ActorID      string                  `json:"actor_id"`
}

// NotificationService dispatches enrollment events on a background queue.
type NotificationService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService builds the service with its own worker queue.
func NewNotificationService(cfg config.NotificationsConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{logger: logger}
	s.queue = jobs.NewQueue("notifications", s.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// EnrollmentChanged enqueues an event. Errors are logged and dropped; the
// caller's transition already committed.
func (s *NotificationService) EnrollmentChanged(event EnrollmentEvent) {
	err := s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "enrollment_changed",
		Payload: event,
	})
	if err != nil {
		s.logger.Warn("failed to enqueue enrollment notification",
			zap.String("enrollment_id", event.EnrollmentID),
			zap.Error(err))
	}
}

// handle delivers one event. The delivery channel (mail, push, webhook) is
// owned by an external collaborator; here we only hand the event over via
// structured logs.
func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(EnrollmentEvent)
	if !ok {
		s.logger.Error("notification job carries unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	s.logger.Info("enrollment notification dispatched",
		zap.String("enrollment_id", event.EnrollmentID),
		zap.String("resource_id", event.ResourceID),
		zap.String("student_id", event.StudentID),
		zap.String("status", string(event.Status)))
	return nil
}
