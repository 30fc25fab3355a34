package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// SQSAPI is the subset of the SQS client the sender uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSender sends messages to SQS queue URLs.
type SQSSender struct {
	API SQSAPI
}

// NewSQSSender returns a sender over api.
func NewSQSSender(api SQSAPI) *SQSSender {
	return &SQSSender{API: api}
}

// Send sends msg to the queue URL in its destination, delayed up to MaxDelay.
func (s *SQSSender) Send(ctx context.Context, msg Message) error {
	in := &sqs.SendMessageInput{
		QueueUrl:     aws.String(msg.Destination),
		MessageBody:  aws.String(string(msg.Body)),
		DelaySeconds: delaySeconds(msg.Delay),
	}
	if msg.Key != "" {
		in.MessageAttributes = map[string]types.MessageAttributeValue{
			"key": {DataType: aws.String("String"), StringValue: aws.String(msg.Key)},
		}
	}
	if _, err := s.API.SendMessage(ctx, in); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
			return fmt.Errorf("sqs send %s: %w", msg.Destination, err)
		}
		return fmt.Errorf("sqs send %s: %w: %w", msg.Destination, models.ErrTransientPublish, err)
	}
	return nil
}

// Close is a no-op; the SQS client holds no connection.
func (s *SQSSender) Close() error { return nil }

// delaySeconds rounds up to whole seconds within the SQS range.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}
