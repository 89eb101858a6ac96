// Package aws holds the AWS clients used to archive run reports.
package aws

import (
	"context"
	"fmt"
)

// Client defines the AWS operations the engine needs.
type Client interface {
	VerifyCredentials(ctx context.Context) (*CallerIdentity, error)
	UploadToS3(ctx context.Context, bucket, key string, data []byte) error
	UploadFileToS3(ctx context.Context, bucket, key, localPath string) error
	DeleteS3Prefix(ctx context.Context, bucket, prefix string) error
}

// CallerIdentity holds AWS STS caller identity information.
type CallerIdentity struct {
	Account string
	ARN     string
	UserID  string
}

// CheckArchiveAccess verifies credentials before a run, so that a
// misconfigured archive fails fast instead of after the migration.
func CheckArchiveAccess(ctx context.Context, client Client, bucket string) (*CallerIdentity, error) {
	if bucket == "" {
		return nil, fmt.Errorf("no report bucket configured")
	}
	id, err := client.VerifyCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying AWS credentials for s3://%s: %w", bucket, err)
	}
	return id, nil
}
