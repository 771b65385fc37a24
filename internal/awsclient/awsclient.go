// Package awsclient builds the AWS SDK clients ebreplay talks to.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Config configures AWS access.
type Config struct {
	// Region is the AWS region. Empty uses the SDK's default resolution.
	Region string `yaml:"region" env:"REGION"`

	// AccessKeyID is the AWS access key ID (optional if using an IAM role).
	AccessKeyID string `yaml:"access_key_id,omitempty" env:"ACCESS_KEY_ID"`

	// SecretAccessKey is the AWS secret access key (optional if using an IAM role).
	SecretAccessKey string `yaml:"secret_access_key,omitempty" env:"SECRET_ACCESS_KEY"`

	// SessionToken is the AWS session token for temporary credentials.
	SessionToken string `yaml:"session_token,omitempty" env:"SESSION_TOKEN"`

	// Endpoint is a custom endpoint URL (for testing with LocalStack).
	Endpoint string `yaml:"endpoint,omitempty" env:"ENDPOINT"`
}

// Load resolves the SDK configuration.
func Load(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// Clients holds one client per service.
type Clients struct {
	EventBridge    *eventbridge.Client
	CloudWatchLogs *cloudwatchlogs.Client
	SQS            *sqs.Client
}

// New loads the SDK configuration and creates the clients.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	awsCfg, err := Load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return FromConfig(awsCfg, cfg.Endpoint), nil
}

// FromConfig creates the clients from a resolved SDK configuration. A non-empty
// endpoint overrides every service endpoint.
func FromConfig(awsCfg aws.Config, endpoint string) *Clients {
	var base *string
	if endpoint != "" {
		base = aws.String(endpoint)
	}

	return &Clients{
		EventBridge: eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
			if base != nil {
				o.BaseEndpoint = base
			}
		}),
		CloudWatchLogs: cloudwatchlogs.NewFromConfig(awsCfg, func(o *cloudwatchlogs.Options) {
			if base != nil {
				o.BaseEndpoint = base
			}
		}),
		SQS: sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if base != nil {
				o.BaseEndpoint = base
			}
		}),
	}
}
