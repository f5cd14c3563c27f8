// Package storage archives raw webhook payloads to object storage so a
// disputed or misparsed delivery can be replayed and inspected later.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"crm_messaging_backend/platform/config"
	"crm_messaging_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PayloadArchive stores raw webhook bodies in MinIO. A nil archive is
// valid and drops payloads silently; archiving is never on the delivery
// hot path's failure domain.
type PayloadArchive struct {
	client *minio.Client
	bucket string
	log    *logger.Logger
}

func NewPayloadArchive(cfg config.ArchiveConfig, log *logger.Logger) (*PayloadArchive, error) {
	if !cfg.IsArchiveEnabled() {
		return nil, nil
	}

	client, err := minio.New(cfg.GetMinIOEndpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.GetMinIOAccessKey(), cfg.GetMinIOSecretKey(), ""),
		Secure: cfg.GetMinIOUseSSL(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	return &PayloadArchive{
		client: client,
		bucket: cfg.GetMinioBucketInboundPayloads(),
		log:    log,
	}, nil
}

// EnsureBucketExists creates the archive bucket if missing. Called once
// at startup.
func (a *PayloadArchive) EnsureBucketExists(ctx context.Context) error {
	if a == nil {
		return nil
	}

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("checking archive bucket: %w", err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating archive bucket %s: %w", a.bucket, err)
		}
	}
	return nil
}

// ArchivePayload stores one raw webhook body. Failures are logged and
// swallowed: losing an archive copy must never fail a delivery.
func (a *PayloadArchive) ArchivePayload(ctx context.Context, provider string, body []byte) {
	if a == nil {
		return
	}

	key := fmt.Sprintf("%s/%s/%s.json",
		provider, time.Now().UTC().Format("2006/01/02"), uuid.NewString())

	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		a.log.Error("failed to archive webhook payload", "provider", provider, "key", key, "error", err)
		return
	}
	a.log.Debug("webhook payload archived", "provider", provider, "key", key)
}
