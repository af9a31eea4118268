// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive stores verified raw webhook bodies in S3-compatible object
// storage so that deliveries can be audited and replayed.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectAPI is the subset of the S3 client the archive uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config describes the target bucket.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // empty for AWS; set for MinIO and other S3-compatible stores
	AccessKey string
	SecretKey string
	Prefix    string
	PathStyle bool
}

// Archive reads and writes raw webhook bodies.
type Archive struct {
	client ObjectAPI
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from static credentials.
func NewS3Client(cfg Config) *s3.Client {
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	// Buckets with dots break virtual-host TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = pathStyle
	})
}

// New creates an archive over an S3 client.
func New(client ObjectAPI, bucket, prefix string) *Archive {
	if prefix == "" {
		prefix = "webhooks"
	}
	return &Archive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// DayPrefix returns the key prefix holding bodies received on t's UTC day.
func (a *Archive) DayPrefix(t time.Time) string {
	return path.Join(a.prefix, t.UTC().Format("2006/01/02")) + "/"
}

// Put stores a body and returns its key. Keys sort by receive time.
func (a *Archive) Put(ctx context.Context, body []byte, receivedAt time.Time) (string, error) {
	key := fmt.Sprintf("%s%d-%s.json", a.DayPrefix(receivedAt), receivedAt.UnixNano(), uuid.NewString())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// Get returns a stored body.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return body, nil
}

// List returns the keys under prefix in lexical (and therefore time) order.
func (a *Archive) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	slog.Debug("archive listed", "prefix", prefix, "keys", len(keys))
	return keys, nil
}
