// Package retry decides whether a failed message is retried and how long to wait.
// The consumer applies it at every error site so retry behavior stays uniform.
package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// Class is the outcome of classifying an error.
type Class int

const (
	Terminal Class = iota
	Retriable
)

// String names the class for logs.
func (c Class) String() string {
	if c == Retriable {
		return "retriable"
	}
	return "terminal"
}

// Classify maps an error to Retriable or Terminal. Unknown errors are terminal.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	// Business and logic errors first: a wrapped transient cause must not
	// turn them retriable.
	if errors.Is(err, models.ErrPolicyNotEligible) ||
		errors.Is(err, models.ErrNoCoverageFound) ||
		errors.Is(err, models.ErrContentMismatch) ||
		errors.Is(err, models.ErrInvalidEvent) {
		return Terminal
	}
	if errors.Is(err, models.ErrTransientStore) ||
		errors.Is(err, models.ErrTransientPublish) ||
		errors.Is(err, models.ErrTransientDB) {
		return Retriable
	}
	if isRetriableContext(err) || isRetriableNetwork(err) || isRetriableSystem(err) ||
		isRetriableAWS(err) || isRetriablePostgres(err) || isRetriableBroker(err) {
		return Retriable
	}
	return Terminal
}

func isRetriableContext(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func isRetriableNetwork(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetriableSystem(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

var awsRetryables = awsretry.IsErrorRetryables(awsretry.DefaultRetryables)

func isRetriableAWS(err error) bool {
	return awsRetryables.IsErrorRetryable(err) == aws.TrueTernary
}

func isRetriablePostgres(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 40: transaction rollback, 53: insufficient resources, 57P: operator intervention.
		switch {
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "40" || pgErr.Code[:2] == "53"):
			return true
		case len(pgErr.Code) >= 3 && pgErr.Code[:3] == "57P":
			return true
		}
	}
	return false
}

func isRetriableBroker(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Recover {
		return true
	}
	var kafkaErr kafka.Error
	return errors.As(err, &kafkaErr) && kafkaErr.Temporary()
}

// DefaultMaxDelay caps backoff for a Policy built without NewPolicy. It matches
// the longest delay SQS accepts.
const DefaultMaxDelay = 15 * time.Minute

// Policy bounds retries by the delivery attempt counter. The zero value allows
// one attempt and backs off up to DefaultMaxDelay.
type Policy struct {
	MaxAttempts int
	backoff     *awsretry.ExponentialJitterBackoff
}

// NewPolicy returns a policy allowing maxAttempts deliveries with backoff capped at maxDelay.
func NewPolicy(maxAttempts int, maxDelay time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Policy{
		MaxAttempts: maxAttempts,
		backoff:     awsretry.NewExponentialJitterBackoff(maxDelay),
	}
}

// Exhausted reports whether a failure on this attempt must not be retried again.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Backoff returns the delay before the next delivery: full jitter over 2^attempt seconds, capped.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.backoff
	if b == nil {
		b = awsretry.NewExponentialJitterBackoff(DefaultMaxDelay)
	}
	d, err := b.BackoffDelay(attempt, nil)
	if err != nil {
		return time.Second
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
