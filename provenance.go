/*
Copyright 2024 Logipool Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logipool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/logipool/logipool/config"
	"github.com/logipool/logipool/database"
	"github.com/logipool/logipool/model"
)

// ObjectStore writes immutable objects.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, metadata map[string]string) error
}

// S3ObjectStore stores objects in an S3 compatible bucket.
type S3ObjectStore struct {
	client *s3.S3
	bucket string
}

func NewS3ObjectStore(cfg config.ProvenanceConfig) (*S3ObjectStore, error) {
	if cfg.S3BucketName == "" {
		return nil, errors.New("provenance bucket name is required")
	}
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AwsAccessKeyId != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AwsAccessKeyId, cfg.AwsSecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return &S3ObjectStore{client: s3.New(sess), bucket: cfg.S3BucketName}, nil
}

func (s *S3ObjectStore) PutObject(ctx context.Context, key string, body []byte, metadata map[string]string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    aws.StringMap(metadata),
	})
	return err
}

// ProvenanceHook uploads the canonical journey record of a completed pool
// together with its SHA-256 content hash.
type ProvenanceHook struct {
	Store     database.IDataSource
	Objects   ObjectStore
	KeyPrefix string
}

func (p *ProvenanceHook) Name() string { return "provenance" }

func (p *ProvenanceHook) OnPoolCompleted(ctx context.Context, pool *model.Pool) error {
	contributions, err := p.Store.GetPoolContributions(ctx, pool.PoolID)
	if err != nil {
		return err
	}
	record := model.NewJourneyRecord(pool, contributions)
	body, hash, err := record.Hash()
	if err != nil {
		return err
	}

	key := path.Join(p.KeyPrefix, pool.PoolID+".json")
	if err := p.Objects.PutObject(ctx, key, body, map[string]string{"sha256": hash, "pool-id": pool.PoolID}); err != nil {
		return fmt.Errorf("failed to upload journey record: %w", err)
	}
	logrus.WithFields(logrus.Fields{"pool_id": pool.PoolID, "key": key, "sha256": hash}).Info("journey record stored")
	return nil
}
