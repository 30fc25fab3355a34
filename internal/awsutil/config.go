// Package awsutil provides utilities for loading AWS configuration.
package awsutil

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Clients bundles the AWS service clients the pipeline talks to.
type Clients struct {
	S3       *s3.Client
	DynamoDB *dynamodb.Client
	SQS      *sqs.Client
}

// Load loads the AWS configuration, using a custom endpoint if AWS_ENDPOINT_URL is set.
func Load(ctx context.Context, region string) (aws.Config, string, error) {
	opts := []func(*awsCfg.LoadOptions) error{awsCfg.WithRegion(region)}
	endpoint := os.Getenv("AWS_ENDPOINT_URL") // e.g., http://localstack:4566
	if endpoint != "" {
		opts = append(opts, awsCfg.WithBaseEndpoint(endpoint))
	}
	cfg, err := awsCfg.LoadDefaultConfig(ctx, opts...)
	return cfg, endpoint, err
}

// NewClients builds the service clients from a loaded config.
func NewClients(cfg aws.Config, endpoint string) Clients {
	return Clients{
		S3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.UsePathStyle = true // localstack/dev friendliness
			}
		}),
		DynamoDB: dynamodb.NewFromConfig(cfg),
		SQS:      sqs.NewFromConfig(cfg),
	}
}
