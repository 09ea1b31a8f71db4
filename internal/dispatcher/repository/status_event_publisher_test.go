package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"judgedispatch/internal/common/mq"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

type recordingProducer struct {
	topic    string
	messages []*mq.Message
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func TestPublishFinalStatus(t *testing.T) {
	producer := &recordingProducer{}
	publisher := NewMQStatusEventPublisher(producer, "judge.status.final")

	event := model.StatusEvent{
		SubmissionID: 9,
		ProblemID:    3,
		Status:       model.StatusAccepted,
		StatusName:   model.StatusAccepted.String(),
		Percent:      100,
		FinishedAt:   time.Unix(1700000000, 0),
	}
	if err := publisher.PublishFinalStatus(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if producer.topic != "judge.status.final" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish topic=%q count=%d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "9" || msg.Headers["status"] != "ACCEPTED" {
		t.Fatalf("unexpected message metadata %+v", msg)
	}
	var decoded model.StatusEvent
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.SubmissionID != 9 || decoded.Status != model.StatusAccepted {
		t.Fatalf("unexpected body %+v", decoded)
	}
}

func TestPublishFinalStatusRequiresSubmission(t *testing.T) {
	publisher := NewMQStatusEventPublisher(&recordingProducer{}, "topic")
	err := publisher.PublishFinalStatus(context.Background(), model.StatusEvent{})
	if !appErr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
