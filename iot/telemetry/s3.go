// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

// Uploader is the subset of manager.Uploader used by the S3Sink
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink archives every record as a single JSON object in a bucket
type S3Sink struct {
	uploader Uploader
	bucket   string
	prefix   string
}

// NewS3Sink returns a sink which uploads to the bucket with the given key prefix
func NewS3Sink(cfg aws.Config, bucket, prefix string) (*S3Sink, error) {
	return NewS3SinkWithUploader(manager.NewUploader(s3.NewFromConfig(cfg)), bucket, prefix)
}

// NewS3SinkWithUploader returns a sink on top of an existing uploader
func NewS3SinkWithUploader(u Uploader, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	return &S3Sink{uploader: u, bucket: bucket, prefix: prefix}, nil
}

// Key returns the object key of a record:
// <prefix><device>/<yyyy>/<mm>/<dd>/<hhmmss.nanos>-<kind>.json
func (s *S3Sink) Key(r Record) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	b.WriteString(r.DeviceID)
	b.WriteString("/")
	b.WriteString(r.ReceivedAt.UTC().Format("2006/01/02/150405.000000000"))
	b.WriteString("-")
	b.WriteString(string(r.Kind))
	b.WriteString(".json")
	return b.String()
}

// Write implements Sink
func (s *S3Sink) Write(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cannot marshal record: %w", err)
	}
	key := s.Key(r)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("cannot upload %s: %w", key, err)
	}
	return nil
}
