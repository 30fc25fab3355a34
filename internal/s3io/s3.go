// Package s3io stores invoice documents in S3 with write-once semantics.
package s3io

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// ObjectAPI defines the S3 operations the store needs.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Store writes documents to a single bucket.
type Store struct {
	S3     ObjectAPI
	Bucket string
	// KMSKeyID forces a specific CMK instead of the bucket default.
	KMSKeyID string
}

// Checksum returns the hex SHA-256 recorded with each document.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put writes content under key unless an object already exists there.
// Rewriting identical bytes succeeds without a write; different bytes return
// models.ErrContentMismatch.
func (s *Store) Put(ctx context.Context, key string, content []byte) (string, error) {
	sum := Checksum(content)
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(content),
		ContentLength:        aws.Int64(int64(len(content))),
		ContentType:          aws.String(ContentTypeHTML),
		Metadata:             DocumentMetadata(key, sum),
		ServerSideEncryption: types.ServerSideEncryptionAwsKms,
		IfNoneMatch:          aws.String("*"),
	}
	if s.KMSKeyID != "" {
		input.SSEKMSKeyId = aws.String(s.KMSKeyID)
	}

	_, err := s.S3.PutObject(ctx, input)
	if err == nil {
		return Ref(s.Bucket, key), nil
	}
	if !isStatus(err, http.StatusPreconditionFailed, "PreconditionFailed") {
		if isStatus(err, http.StatusConflict, "ConditionalRequestConflict") {
			return "", fmt.Errorf("put %s: %w: %w", key, models.ErrTransientStore, err)
		}
		return "", storeErr("put "+key, err)
	}

	head, err := s.S3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", storeErr("head "+key, err)
	}
	if head.Metadata[MetaChecksum] != sum {
		return "", fmt.Errorf("%w: %s has sha256 %q, new content %q", models.ErrContentMismatch, key, head.Metadata[MetaChecksum], sum)
	}
	return Ref(s.Bucket, key), nil
}

func isStatus(err error, status int, code string) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == status {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

var sdkRetryable = awsretry.IsErrorRetryables(awsretry.DefaultRetryables)

// storeErr wraps an S3 failure. Client faults stay plain unless the SDK would
// retry them (SlowDown and other throttles); everything else is marked transient.
func storeErr(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient && sdkRetryable.IsErrorRetryable(err) != aws.TrueTernary {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrTransientStore, err)
}
