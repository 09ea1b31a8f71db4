package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"judgedispatch/internal/common/mq"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

// StatusEventPublisher publishes terminal status events for downstream consumers.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, event model.StatusEvent) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(producer mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{producer: producer, topic: topic}
}

// PublishFinalStatus publishes a final status event keyed by submission id.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, event model.StatusEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if event.SubmissionID <= 0 {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = strconv.FormatInt(event.SubmissionID, 10)
	message.SetHeader("status", event.StatusName)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.MQPublishFailed, "publish status event failed")
	}
	return nil
}
