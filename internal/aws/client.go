package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// SDKClient implements Client on top of the AWS SDK v2.
type SDKClient struct {
	sts *sts.Client
	s3  *s3.Client
}

// NewSDKClient loads the shared AWS configuration, optionally pinned to a
// named profile and region.
func NewSDKClient(ctx context.Context, profile, region string) (*SDKClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SDKClient{
		sts: sts.NewFromConfig(cfg),
		s3:  s3.NewFromConfig(cfg),
	}, nil
}

func (c *SDKClient) VerifyCredentials(ctx context.Context) (*CallerIdentity, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("getting caller identity: %w", err)
	}
	return &CallerIdentity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

func (c *SDKClient) UploadToS3(ctx context.Context, bucket, key string, data []byte) error {
	return c.put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)))
}

func (c *SDKClient) UploadFileToS3(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening report %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("reading report %s: %w", localPath, err)
	}
	return c.put(ctx, bucket, key, f, info.Size())
}

// put writes one archive object, encrypted at rest and typed by the key's
// extension.
func (c *SDKClient) put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(bucket),
		Key:                  aws.String(key),
		Body:                 body,
		ContentLength:        aws.Int64(size),
		ContentType:          aws.String(contentType(key)),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// DeleteS3Prefix removes every archived object under prefix, one listing
// page per DeleteObjects batch.
func (c *SDKClient) DeleteS3Prefix(ctx context.Context, bucket, prefix string) error {
	pages := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
		}
		if err := c.deleteBatch(ctx, bucket, page.Contents); err != nil {
			return fmt.Errorf("purging s3://%s/%s: %w", bucket, prefix, err)
		}
	}
	return nil
}

func (c *SDKClient) deleteBatch(ctx context.Context, bucket string, objects []s3types.Object) error {
	if len(objects) == 0 {
		return nil
	}
	ids := make([]s3types.ObjectIdentifier, 0, len(objects))
	for _, o := range objects {
		ids = append(ids, s3types.ObjectIdentifier{Key: o.Key})
	}
	out, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("%d objects not deleted, first %s: %s",
			len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}
