package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/drender/drender/driver"
)

// Storage keeps rendered frames in a single S3 bucket, one
// <projectID>/output/ prefix per project.
type Storage struct {
	config Config
	s3     *s3.Client
	log    *slog.Logger
}

// Storage implements driver.StorageProvider
var _ driver.StorageProvider = (*Storage)(nil)

func NewStorage(ctx context.Context, config Config) (*Storage, error) {
	awsCfg, err := loadAwsConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Storage{
		config: config,
		s3:     s3.NewFromConfig(awsCfg),
		log:    config.Logger,
	}, nil
}

func (s *Storage) CreateOutput(ctx context.Context, projectID string) (driver.S3Source, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return driver.S3Source{}, err
	}

	prefix := projectID + "/output/"
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(prefix),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return driver.S3Source{}, fmt.Errorf("failed to create output prefix %s: %w", prefix, err)
	}

	return driver.S3Source{Bucket: s.config.Bucket, Key: prefix}, nil
}

func (s *Storage) ensureBucket(ctx context.Context) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(s.config.Bucket)}
	if s.config.Region != "" && s.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.config.Region),
		}
	}

	_, err := s.s3.CreateBucket(ctx, input)
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.config.Bucket, err)
	}
	s.log.Info("Created output bucket", "bucket", s.config.Bucket)
	return nil
}

func (s *Storage) Exists(ctx context.Context, src driver.S3Source) (bool, error) {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(src.Bucket),
		Key:    aws.String(src.Key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object %s: %w", src, err)
	}
	return true, nil
}
