// Package archive stores closed-session reports outside the database.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pharmapos/internal/domain"
)

type Archiver interface {
	// ArchiveCloseReport stores the report and returns its object key.
	ArchiveCloseReport(ctx context.Context, report domain.CloseReport) (string, error)
}

type Noop struct{}

func (Noop) ArchiveCloseReport(_ context.Context, _ domain.CloseReport) (string, error) {
	return "", nil
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archiver(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	opts := []func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}}
	client := s3.NewFromConfig(awsCfg, append(opts, optFns...)...)

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "close-reports"
	}
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// ReportKey lays reports out by pharmacy and closing day.
func ReportKey(prefix string, report domain.CloseReport) string {
	at := report.GeneratedAt.UTC()
	if report.Session.ClosedAt != nil {
		at = report.Session.ClosedAt.UTC()
	}
	return path.Join(prefix, report.Session.PharmacyID, at.Format("2006/01/02"), report.Session.ID+".json")
}

func (a *S3Archiver) ArchiveCloseReport(ctx context.Context, report domain.CloseReport) (string, error) {
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	key := ReportKey(a.prefix, report)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"variance-class": report.VarianceClass,
			"worker":         report.Session.WorkerID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put close report %s: %w", key, err)
	}
	return key, nil
}
