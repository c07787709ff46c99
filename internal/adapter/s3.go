package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// objectAdapter 覆盖 s3/oss/cos 三种对象存储：OSS 与 COS 都暴露
// S3 兼容接口，只需把 Endpoint 指过去并强制 path-style 访问。
type objectAdapter struct {
	src    config.SourceConfig
	client *s3.Client
}

func newObjectAdapter(src config.SourceConfig) (Adapter, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if src.Region != "" {
		opts = append(opts, awsconfig.WithRegion(src.Region))
	} else {
		opts = append(opts, awsconfig.WithRegion("us-east-1"))
	}
	if src.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(src.AccessKey, src.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if src.Endpoint != "" {
			o.BaseEndpoint = aws.String(src.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &objectAdapter{src: src, client: client}, nil
}

func (a *objectAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	prefix := strings.TrimPrefix(a.src.Prefix, "/")
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.src.Bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var entries []RemoteEntry
	paginator := s3.NewListObjectsV2Paginator(a.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyObjectError("s3_list", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			entry := RemoteEntry{
				Path: rel,
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				entry.ModTime = *obj.LastModified
			}
			// 分片上传的 ETag 带 "-"，不是内容摘要，不能当哈希用。
			if etag := strings.Trim(aws.ToString(obj.ETag), `"`); etag != "" && !strings.Contains(etag, "-") {
				entry.Hash = etag
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (a *objectAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	key := entry.Path
	if prefix := strings.TrimPrefix(a.src.Prefix, "/"); prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + entry.Path
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.src.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, classifyObjectError("s3_fetch", err)
	}
	defer out.Body.Close()

	written, err := writeAtomic(ctx, dest, out.Body)
	if err != nil {
		return 0, transientErr("s3_fetch", err)
	}

	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(dest, entry.ModTime, entry.ModTime)
	}
	return written, nil
}

func classifyObjectError(op string, err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return notFoundErr(op, err)
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return notFoundErr(op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return authErr(op, err)
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return notFoundErr(op, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return transientErr(op, err)
		default:
			return permanentErr(op, err)
		}
	}
	return transientErr(op, err)
}
