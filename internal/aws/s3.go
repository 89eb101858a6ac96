package aws

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
)

// ReportArchiver copies run reports to S3 under
// <prefix>/<plan>/<run id>/<file name>.
type ReportArchiver struct {
	client Client
	bucket string
	prefix string
}

// NewReportArchiver creates a new report archiver.
func NewReportArchiver(client Client, bucket, prefix string) *ReportArchiver {
	return &ReportArchiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// PlanPrefix is the key prefix holding every archived run of plan.
func (a *ReportArchiver) PlanPrefix(plan string) string {
	return path.Join(a.prefix, plan) + "/"
}

// Archive uploads the given local files and returns their S3 URIs in order.
func (a *ReportArchiver) Archive(ctx context.Context, plan, runID string, files ...string) ([]string, error) {
	uris := make([]string, 0, len(files))
	for _, f := range files {
		key := path.Join(a.prefix, plan, runID, filepath.Base(f))
		if err := a.client.UploadFileToS3(ctx, a.bucket, key, f); err != nil {
			return uris, fmt.Errorf("archiving %s: %w", filepath.Base(f), err)
		}
		uris = append(uris, fmt.Sprintf("s3://%s/%s", a.bucket, key))
	}
	return uris, nil
}

// ArchiveBytes uploads an in-memory document next to the run's reports.
func (a *ReportArchiver) ArchiveBytes(ctx context.Context, plan, runID, name string, data []byte) (string, error) {
	key := path.Join(a.prefix, plan, runID, name)
	if err := a.client.UploadToS3(ctx, a.bucket, key, data); err != nil {
		return "", fmt.Errorf("archiving %s: %w", name, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// Purge deletes every archived run of plan.
func (a *ReportArchiver) Purge(ctx context.Context, plan string) error {
	return a.client.DeleteS3Prefix(ctx, a.bucket, a.PlanPrefix(plan))
}
