package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

type fakeSQS struct {
	in  *sqs.SendMessageInput
	err error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.in = in
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSSend(t *testing.T) {
	api := &fakeSQS{}
	s := NewSQSSender(api)
	err := s.Send(context.Background(), Message{Destination: "https://sqs/q", Key: "inv-1", Body: []byte(`{}`), Delay: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if aws.ToString(api.in.QueueUrl) != "https://sqs/q" || aws.ToString(api.in.MessageBody) != `{}` {
		t.Errorf("unexpected input %+v", api.in)
	}
	if api.in.DelaySeconds != 2 {
		t.Errorf("expected delay rounded up to 2s, got %d", api.in.DelaySeconds)
	}
	if aws.ToString(api.in.MessageAttributes["key"].StringValue) != "inv-1" {
		t.Error("key attribute missing")
	}
}

func TestDelaySeconds(t *testing.T) {
	tests := map[time.Duration]int32{
		0:                0,
		-time.Second:     0,
		time.Second:      1,
		90 * time.Second: 90,
		time.Hour:        900,
	}
	for in, want := range tests {
		if got := delaySeconds(in); got != want {
			t.Errorf("delaySeconds(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestSQSSendErrors(t *testing.T) {
	api := &fakeSQS{err: &smithy.GenericAPIError{Code: "ServiceUnavailable", Fault: smithy.FaultServer}}
	if err := NewSQSSender(api).Send(context.Background(), Message{Destination: "q"}); !errors.Is(err, models.ErrTransientPublish) {
		t.Errorf("server fault should be transient, got %v", err)
	}
	api.err = &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue", Fault: smithy.FaultClient}
	if err := NewSQSSender(api).Send(context.Background(), Message{Destination: "q"}); err == nil || errors.Is(err, models.ErrTransientPublish) {
		t.Errorf("missing queue should not be transient, got %v", err)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSend(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaSenderWithWriter(w)
	if err := k.Send(context.Background(), Message{Destination: "send-invoice-email", Key: "inv-1", Body: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(w.msgs) != 1 || w.msgs[0].Topic != "send-invoice-email" || string(w.msgs[0].Key) != "inv-1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	if err := k.Send(context.Background(), Message{Destination: "t", Delay: time.Second}); err == nil {
		t.Error("delayed kafka send should fail")
	}
	if err := k.Close(); err != nil || !w.closed {
		t.Error("close not forwarded")
	}
}

func TestKafkaSendErrors(t *testing.T) {
	w := &fakeWriter{err: kafka.LeaderNotAvailable}
	if err := NewKafkaSenderWithWriter(w).Send(context.Background(), Message{Destination: "t"}); !errors.Is(err, models.ErrTransientPublish) {
		t.Errorf("leader election should be transient, got %v", err)
	}
	w.err = kafka.TopicAuthorizationFailed
	if err := NewKafkaSenderWithWriter(w).Send(context.Background(), Message{Destination: "t"}); err == nil || errors.Is(err, models.ErrTransientPublish) {
		t.Errorf("authorization failure should not be transient, got %v", err)
	}
}

type fakePublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (f *fakePublisher) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil, f.err
}

func TestRabbitSendRouting(t *testing.T) {
	pub := &fakePublisher{}
	r := &RabbitClient{pub: pub}

	if err := r.Send(context.Background(), Message{Destination: "generate-invoice", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.key != "generate-invoice" || pub.msg.Expiration != "" || pub.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("immediate send routed to %s with expiration %q", pub.key, pub.msg.Expiration)
	}

	if err := r.Send(context.Background(), Message{Destination: "generate-invoice", Key: "inv-1", Delay: 4 * time.Second}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.key != "generate-invoice.retry" || pub.msg.Expiration != "4000" {
		t.Errorf("delayed send routed to %s with expiration %q", pub.key, pub.msg.Expiration)
	}
	if pub.msg.Headers["key"] != "inv-1" {
		t.Error("key header missing")
	}

	pub.err = amqp.ErrClosed
	if err := r.Send(context.Background(), Message{Destination: "q"}); !errors.Is(err, models.ErrTransientPublish) || !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("publish failure should be transient, got %v", err)
	}
}

func TestRetryQueueArgs(t *testing.T) {
	args := retryQueueArgs("generate-invoice")
	if args["x-dead-letter-exchange"] != "" || args["x-dead-letter-routing-key"] != "generate-invoice" {
		t.Errorf("unexpected args %v", args)
	}
}
