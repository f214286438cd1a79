// Package s3 issues presigned GET URLs for objects in one S3 (or
// S3-compatible) bucket.
package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3v2 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/unkn0wn-root/urlcache/issuer"
)

// MaxTTL is the longest validity SigV4 query signing allows.
const MaxTTL = 7 * 24 * time.Hour

type Issuer struct {
	presign *s3v2.PresignClient
	bucket  string
}

var _ issuer.Issuer = (*Issuer)(nil)

func New(client *s3v2.Client, bucket string) *Issuer {
	return &Issuer{presign: s3v2.NewPresignClient(client), bucket: bucket}
}

func (i *Issuer) IssueURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxTTL {
		return "", fmt.Errorf("s3: ttl %s outside (0, %s]", ttl, MaxTTL)
	}
	req, err := i.presign.PresignGetObject(ctx, &s3v2.GetObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(key),
	}, s3v2.WithPresignExpires(ttl))
	if err != nil {
		return "", errors.Wrapf(err, "s3: presign %s/%s", i.bucket, key)
	}
	return req.URL, nil
}
