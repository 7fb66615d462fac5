package service

import (
	"time"

	"formflow/internal/jobs"

	"github.com/hibiken/asynq"
)

// JobClient interface for scheduling background jobs
type JobClient interface {
	ScheduleDueReminder(assignmentID string, dueAt time.Time) error
	ScheduleOverdue(assignmentID string, dueAt time.Time) error
}

// AsynqJobClient implements JobClient using asynq
type AsynqJobClient struct {
	client *asynq.Client
}

func NewAsynqJobClient(client *asynq.Client) *AsynqJobClient {
	return &AsynqJobClient{client: client}
}

func (c *AsynqJobClient) ScheduleDueReminder(assignmentID string, dueAt time.Time) error {
	return jobs.ScheduleDueReminder(c.client, assignmentID, dueAt)
}

func (c *AsynqJobClient) ScheduleOverdue(assignmentID string, dueAt time.Time) error {
	return jobs.ScheduleOverdue(c.client, assignmentID, dueAt)
}
