// Package awscfg loads AWS SDK v2 configuration for the S3 issuer.
package awscfg

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type options struct {
	profile string
	region  string
	keyID   string
	secret  string
	session string
	retryer func() aws.Retryer
}

// Option customizes how AWS config is loaded.
// With no options the shell environment and shared config chain apply
// (AWS_PROFILE, ~/.aws/config, ~/.aws/credentials, IMDS).
type Option func(*options)

func WithProfile(profile string) Option {
	return func(o *options) { o.profile = profile }
}

func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithStaticCredentials pins an access key instead of the credential chain.
// Used for S3-compatible stores (MinIO, R2) that hand out plain key pairs.
func WithStaticCredentials(keyID, secret, session string) Option {
	return func(o *options) { o.keyID, o.secret, o.session = keyID, secret, session }
}

func WithRetryer(newRetryer func() aws.Retryer) Option {
	return func(o *options) { o.retryer = newRetryer }
}

func Load(ctx context.Context, opts ...Option) (aws.Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(o.profile))
	}
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	if o.keyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.keyID, o.secret, o.session)))
	}
	if o.retryer != nil {
		loadOpts = append(loadOpts, config.WithRetryer(o.retryer))
	}

	return config.LoadDefaultConfig(ctx, loadOpts...)
}

// NewS3 constructs an S3 client. endpoint overrides the AWS endpoint for
// S3-compatible stores; pathStyle puts the bucket in the path instead of the host.
func NewS3(cfg aws.Config, endpoint string, pathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})
}
