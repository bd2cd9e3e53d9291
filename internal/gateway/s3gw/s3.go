// Package s3gw provides a persistence gateway on S3-compatible object
// storage. Saves are conditional writes on the object ETag.
package s3gw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

const (
	metaVersion = "sketchflow-version"
	metaKind    = "sketchflow-kind"
)

// Config holds S3 gateway settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Gateway stores each entity as one object.
type Gateway struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates an S3 gateway.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Gateway, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO and other self-hosted endpoints
		}
	})

	return &Gateway{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logging.Named(logger, "s3gw"),
	}, nil
}

func (g *Gateway) key(id string) string {
	if g.prefix == "" {
		return "entities/" + id
	}
	return g.prefix + "/entities/" + id
}

// Load fetches the entity object.
func (g *Gateway) Load(ctx context.Context, id string) (models.Document, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(g.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return models.Document{}, gateway.ErrNotFound
		}
		return models.Document{}, &gateway.TransportError{Op: "load", ID: id, Err: err}
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return models.Document{}, &gateway.TransportError{Op: "load", ID: id, Err: fmt.Errorf("read body: %w", err)}
	}

	return models.Document{
		ID:       id,
		Kind:     models.EntityKind(out.Metadata[metaKind]),
		Content:  models.Snapshot(content),
		Revision: revision(out.ETag, out.Metadata, out.LastModified),
	}, nil
}

// Save writes the object only if its ETag still equals precondition.Token,
// or only if it does not exist when the precondition carries no token.
func (g *Gateway) Save(ctx context.Context, id string, content models.Snapshot, precondition models.Revision) gateway.SaveResult {
	next := precondition.Version + 1
	input := &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(g.key(id)),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			metaVersion: strconv.FormatInt(next, 10),
		},
	}
	if precondition.Token == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(precondition.Token)
	}

	out, err := g.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return gateway.Conflicted(g.current(ctx, id))
		}
		return gateway.Failed(&gateway.TransportError{Op: "save", ID: id, Err: err})
	}

	g.logger.Debug("S3 put object", logging.Entity(id), zap.Int64("version", next))
	return gateway.Success(models.Revision{
		Version:   next,
		Token:     aws.ToString(out.ETag),
		UpdatedAt: time.Now(),
	})
}

// current returns the stored revision, or the zero revision if it cannot
// be determined.
func (g *Gateway) current(ctx context.Context, id string) models.Revision {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(g.key(id)),
	})
	if err != nil {
		if !isNotFound(err) {
			g.logger.Warn("head object after conflict failed", logging.Entity(id), zap.Error(err))
		}
		return models.Revision{}
	}
	return revision(out.ETag, out.Metadata, out.LastModified)
}

func revision(etag *string, meta map[string]string, modified *time.Time) models.Revision {
	rev := models.Revision{Token: aws.ToString(etag)}
	if v, err := strconv.ParseInt(meta[metaVersion], 10, 64); err == nil {
		rev.Version = v
	}
	if modified != nil {
		rev.UpdatedAt = *modified
	}
	return rev
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
