package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"formflow/internal/lifecycle"
	"formflow/internal/model"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeDueReminder = "assignment:due_reminder"
	TypeOverdue     = "assignment:overdue"

	// ReminderLead is how long before the due date the reminder fires
	ReminderLead = 24 * time.Hour
)

// Store is what the handlers read
type Store interface {
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	GetSubmissionByFormUser(ctx context.Context, formID, userID string) (*model.Submission, error)
}

// Publisher delivers job events
type Publisher interface {
	PublishUser(userID string, event map[string]interface{}) error
	PublishAssignment(assignmentID string, event map[string]interface{}) error
}

type JobServer struct {
	server *asynq.Server
	client *asynq.Client
	store  Store
	bus    Publisher
	log    *zap.Logger
}

func NewJobServer(redisAddr string, store Store, bus Publisher, log *zap.Logger) (*JobServer, *asynq.Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"default": 3,
				"low":     1,
			},
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server: server,
		client: client,
		store:  store,
		bus:    bus,
		log:    log,
	}, client
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDueReminder, js.handleDueReminder)
	mux.HandleFunc(TypeOverdue, js.handleOverdue)
	return js.server.Start(mux)
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

func (js *JobServer) handleDueReminder(ctx context.Context, t *asynq.Task) error {
	return js.notify(ctx, string(t.Payload()), "assignment.due_soon")
}

func (js *JobServer) handleOverdue(ctx context.Context, t *asynq.Task) error {
	return js.notify(ctx, string(t.Payload()), "assignment.overdue")
}

// notify tells the target that an assignment is due. A user who already
// submitted (and is not asked to resubmit) is skipped. Everyone-assignments go
// to the assignment channel.
func (js *JobServer) notify(ctx context.Context, assignmentID, eventType string) error {
	a, err := js.store.GetAssignment(ctx, assignmentID)
	if errors.Is(err, model.ErrAssignmentNotFound) {
		js.log.Info("Assignment gone, dropping job", zap.String("assignment_id", assignmentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get assignment: %w", err)
	}

	event := map[string]interface{}{
		"type":         eventType,
		"assignmentId": a.ID,
		"formId":       a.FormID,
	}
	if a.DueAt != nil {
		event["dueAt"] = a.DueAt.Format(time.RFC3339)
	}

	if a.TargetType == model.TargetAll || a.TargetID == nil {
		_ = js.bus.PublishAssignment(a.ID, event)
		js.log.Info("Assignment notice sent", zap.String("assignment_id", a.ID), zap.String("type", eventType))
		return nil
	}

	userID := *a.TargetID
	sub, err := js.store.GetSubmissionByFormUser(ctx, a.FormID, userID)
	if err != nil && !errors.Is(err, model.ErrSubmissionNotFound) {
		return fmt.Errorf("failed to get submission: %w", err)
	}
	status := lifecycle.Derive(sub, a.StartedAt)
	if status == model.DerivedSubmitted || status == model.DerivedCompleted {
		return nil
	}

	event["status"] = status
	_ = js.bus.PublishUser(userID, event)
	js.log.Info("Assignment notice sent",
		zap.String("assignment_id", a.ID),
		zap.String("user_id", userID),
		zap.String("type", eventType),
	)
	return nil
}

// Schedule jobs

func ScheduleDueReminder(client *asynq.Client, assignmentID string, dueAt time.Time) error {
	remindAt := dueAt.Add(-ReminderLead)
	if remindAt.Before(time.Now()) {
		return nil
	}

	task := asynq.NewTask(TypeDueReminder, []byte(assignmentID))
	_, err := client.Enqueue(task,
		asynq.ProcessIn(time.Until(remindAt)),
		asynq.TaskID(TypeDueReminder+":"+assignmentID),
	)
	return err
}

func ScheduleOverdue(client *asynq.Client, assignmentID string, dueAt time.Time) error {
	if dueAt.Before(time.Now()) {
		return nil
	}

	task := asynq.NewTask(TypeOverdue, []byte(assignmentID))
	_, err := client.Enqueue(task,
		asynq.ProcessIn(time.Until(dueAt)),
		asynq.TaskID(TypeOverdue+":"+assignmentID),
		asynq.Queue("low"),
	)
	return err
}
