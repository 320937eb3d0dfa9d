// Package aws implements the cloud APIs on top of S3, EC2 and IAM.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openfroyo/wsm/pkg/cloud"
)

const providerName = "aws"

// Config selects the account and region the adapter talks to.
type Config struct {
	Region  string `yaml:"region" validate:"required"`
	Profile string `yaml:"profile"`

	// Endpoint overrides the S3 endpoint, e.g. for a local S3-compatible server.
	Endpoint string `yaml:"endpoint"`
}

// New loads the default credential chain and returns a provider backed by
// real AWS clients.
func New(ctx context.Context, cfg Config) (*cloud.Provider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &cloud.Provider{
		Name:       providerName,
		Region:     cfg.Region,
		Buckets:    newBuckets(s3Client, cfg.Region),
		Instances:  newInstances(ec2.NewFromConfig(awsCfg), cfg.Region),
		Identities: newIdentities(iam.NewFromConfig(awsCfg)),
	}, nil
}
