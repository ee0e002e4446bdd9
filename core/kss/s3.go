package kss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/iotplane/core/logger"
)

// S3 is the implementation of the KSS Driver for AWS S3
type S3 struct {
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	baseKeyName string
}

// LoadAWSConfig loads the AWS configuration for region. With empty accessID the
// default credential chain is used.
func LoadAWSConfig(ctx context.Context, region, accessID, accessKey string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessID, accessKey, "")))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// NewS3 returns a new S3
func NewS3(ctx context.Context, kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}
	cfg, err := LoadAWSConfig(ctx, kssConfig.AWSRegion, kssConfig.AccessID, kssConfig.AccessKey)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("KSS S3 enabled")
	return NewS3WithClient(s3.NewFromConfig(cfg), kssConfig.AWSBucketName, kssConfig.KeyPrefix), nil
}

// NewS3WithClient returns a new S3 using an existing client
func NewS3WithClient(client *s3.Client, bucket, keyPrefix string) *S3 {
	return &S3{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      bucket,
		baseKeyName: keyPrefix,
	}
}

// Put uploads data into key
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key '%s'", key)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.baseKeyName+key, err)
	}
	logger.Default().Debugln("uploaded", s.baseKeyName+key)
	return nil
}

// Get downloads key
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete deletes key
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.Default().WithError(err).Errorln("could not delete", s.baseKeyName+key)
	}
	return err
}
