// Package devstore is a local Delivery Service stand-in for attachment
// development and integration testing: it issues real presigned S3 URLs
// against an S3-compatible bucket (e.g. a local MinIO instance) instead
// of mocking the HTTP layer entirely, so the upload/download code path in
// attachment.Pipeline exercises an actual presigned-URL shape.
package devstore

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aethermsg/chatcore/attachment"
	"github.com/aethermsg/chatcore/errors"
)

// Store implements attachment.DS against a single S3-compatible bucket,
// standing in for the real Delivery Service's attachment endpoints.
type Store struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	putTTL     time.Duration
	getTTL     time.Duration
	attachment map[string]string // contentHash -> object key, since a local dev store has no DS-side database of its own
}

// Config is the minimal set of knobs needed to point a Store at a local
// or self-hosted S3-compatible endpoint (e.g. MinIO) rather than real AWS.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool // MinIO and most self-hosted S3 stand-ins require path-style addressing
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load AWS config for attachment dev store")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		putTTL:     15 * time.Minute,
		getTTL:     15 * time.Minute,
		attachment: make(map[string]string),
	}, nil
}

// ProvisionAttachment issues a presigned PUT for a fresh object key
// scoped to chatID and contentHash, satisfying attachment.DS.
func (s *Store) ProvisionAttachment(ctx context.Context, chatID, contentHash string, size int64) (*attachment.UploadInfo, error) {
	key := chatID + "/" + contentHash

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		ContentLength: &size,
	}, s3.WithPresignExpires(s.putTTL))
	if err != nil {
		return nil, errors.Wrap(err, "presign attachment PUT")
	}

	s.attachment[contentHash] = key

	return &attachment.UploadInfo{
		Method: "PUT",
		URL:    req.URL,
	}, nil
}

// GetAttachmentURL issues a presigned GET for a previously provisioned
// attachment, keyed here by attachmentID standing in for contentHash —
// a real DS would look this up from its own database; this dev stand-in
// uses the same in-memory map ProvisionAttachment populated.
func (s *Store) GetAttachmentURL(ctx context.Context, attachmentID string) (string, error) {
	key, ok := s.attachment[attachmentID]
	if !ok {
		return "", errors.WithKind(errors.Newf("devstore: no object provisioned for %q", attachmentID), errors.KindNotFound)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.getTTL))
	if err != nil {
		return "", errors.Wrap(err, "presign attachment GET")
	}
	return req.URL, nil
}
