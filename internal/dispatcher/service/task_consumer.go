package service

import (
	"context"
	"encoding/json"
	"fmt"

	"judgedispatch/internal/common/mq"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
)

// TaskMessage asks this process to dispatch a submission created elsewhere.
type TaskMessage struct {
	SubmissionID int64 `json:"submission_id"`
}

// TaskConsumer feeds dispatch tasks from the message queue into the worker pool.
type TaskConsumer struct {
	consumer  mq.Consumer
	submitter Submitter
	topic     string
	opts      mq.SubscribeOptions
}

// NewTaskConsumer creates a task consumer.
func NewTaskConsumer(consumer mq.Consumer, submitter Submitter, topic string, opts mq.SubscribeOptions) (*TaskConsumer, error) {
	if consumer == nil || submitter == nil {
		return nil, fmt.Errorf("consumer and submitter are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("task topic is required")
	}
	return &TaskConsumer{consumer: consumer, submitter: submitter, topic: topic, opts: opts}, nil
}

// Subscribe registers the handler; consumption begins when the consumer is started.
func (c *TaskConsumer) Subscribe(ctx context.Context) error {
	opts := c.opts
	return c.consumer.Subscribe(ctx, c.topic, c.HandleMessage, &opts)
}

// HandleMessage enqueues the submission named by msg. Undecodable messages are dropped.
func (c *TaskConsumer) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var task TaskMessage
	if err := json.Unmarshal(msg.Body, &task); err != nil || task.SubmissionID <= 0 {
		logger.Warn(ctx, "drop malformed dispatch task", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if err := c.submitter.Enqueue(task.SubmissionID); err != nil {
		return appErr.Wrapf(err, appErr.JudgeQueueFull, "enqueue submission %d failed", task.SubmissionID)
	}
	return nil
}
