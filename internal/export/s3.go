package export

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// S3Config holds configuration for publishing releases to S3
type S3Config struct {
	Region         string `json:"region"`
	Bucket         string `json:"bucket"`
	Prefix         string `json:"prefix"`
	Endpoint       string `json:"endpoint,omitempty"`
	ForcePathStyle bool   `json:"force_path_style"`
	PartSize       int64  `json:"part_size"`
}

// S3Publisher uploads a released table and its report under one release ID.
type S3Publisher struct {
	config   *S3Config
	uploader s3manageriface.UploaderAPI
	logger   *logrus.Logger
}

// PublishedRelease names the objects written for one release.
type PublishedRelease struct {
	ID        string `json:"id"`
	Bucket    string `json:"bucket"`
	TableKey  string `json:"table_key"`
	ReportKey string `json:"report_key"`
}

// NewS3Publisher creates a publisher with an uploader built from the default
// AWS credential chain.
func NewS3Publisher(config *S3Config, logger *logrus.Logger) (*S3Publisher, error) {
	if config == nil || config.Bucket == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "S3 bucket is required")
	}

	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(config.ForcePathStyle)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "SESSION_FAILED", "Failed to create AWS session")
	}

	uploader := s3manager.NewUploader(sess)
	if config.PartSize > 0 {
		uploader.PartSize = config.PartSize
	}
	return NewS3PublisherWithUploader(config, uploader, logger)
}

// NewS3PublisherWithUploader creates a publisher around an existing uploader.
func NewS3PublisherWithUploader(config *S3Config, uploader s3manageriface.UploaderAPI, logger *logrus.Logger) (*S3Publisher, error) {
	if config == nil || config.Bucket == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "S3 bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &S3Publisher{config: config, uploader: uploader, logger: logger}, nil
}

// Publish writes <prefix>/<name>/<id>/table.csv and report.json. The release
// ID is assigned here when release.ID is empty.
func (p *S3Publisher) Publish(ctx context.Context, table *models.Table, release *Release, options CSVOptions) (*PublishedRelease, error) {
	if release.ID == "" {
		release.ID = uuid.New().String()
	}
	if release.CreatedAt.IsZero() {
		release.CreatedAt = time.Now().UTC()
	}

	var csvBuf bytes.Buffer
	if err := WriteCSV(ctx, &csvBuf, table, options); err != nil {
		return nil, err
	}
	var reportBuf bytes.Buffer
	if err := WriteJSON(&reportBuf, release); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to serialize release report")
	}

	published := &PublishedRelease{
		ID:        release.ID,
		Bucket:    p.config.Bucket,
		TableKey:  p.key(release, "table.csv"),
		ReportKey: p.key(release, "report.json"),
	}

	metadata := map[string]*string{
		"release-id": aws.String(release.ID),
		"technique":  aws.String(release.Technique),
		"rows":       aws.String(strconv.Itoa(release.Rows)),
	}

	uploads := []struct {
		key         string
		body        *bytes.Buffer
		contentType string
	}{
		{published.TableKey, &csvBuf, "text/csv"},
		{published.ReportKey, &reportBuf, "application/json"},
	}

	for _, u := range uploads {
		_, err := p.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(p.config.Bucket),
			Key:         aws.String(u.key),
			Body:        bytes.NewReader(u.body.Bytes()),
			ContentType: aws.String(u.contentType),
			Metadata:    metadata,
		})
		if err != nil {
			return nil, errors.WrapStorageError(err, "publish", "s3").WithKey(u.key)
		}
	}

	p.logger.WithFields(logrus.Fields{
		"bucket":     p.config.Bucket,
		"release_id": release.ID,
		"rows":       release.Rows,
	}).Info("Published release to S3")

	return published, nil
}

func (p *S3Publisher) key(release *Release, file string) string {
	prefix := p.config.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	name := release.Name
	if name == "" {
		name = "release"
	}
	return path.Join(prefix, name, release.ID, file)
}

// String describes the published location.
func (r *PublishedRelease) String() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, path.Dir(r.TableKey))
}
