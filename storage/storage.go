// Package storage provides S3-compatible object storage for message
// attachments. Objects are keyed per message and part index; the caller
// supplies a BLAKE3 checksum that is verified against the bytes before
// anything is uploaded.
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/helpers"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/mailparser"
	"github.com/Will-gabia/mailgate/pkg/metrics"
	"github.com/Will-gabia/mailgate/pkg/retry"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// ObjectKey builds the storage key for one attachment part.
func ObjectKey(messageID int64, index int, filename string) string {
	return fmt.Sprintf("attachments/%d/%d_%s", messageID, index, helpers.SanitizeFilename(filename, index))
}

// Store verifies the attachment's checksum against its content and uploads
// it, returning the object key used as the storage location. Re-uploading
// the same key overwrites identical bytes, so job redelivery is harmless.
// Transient S3 errors are retried in-call with jittered backoff; a bucket
// that does not exist fails immediately.
func (s *S3Storage) Store(ctx context.Context, messageID int64, att *mailparser.Attachment, index int) (string, error) {
	sum := blake3.Sum256(att.Content)
	if hex.EncodeToString(sum[:]) != att.Checksum {
		return "", fmt.Errorf("%w: attachment %d of message %d", consts.ErrChecksumMismatch, index, messageID)
	}

	key := ObjectKey(messageID, index, att.Filename)
	start := time.Now()
	err := retry.WithBackoff(ctx, retry.DefaultBackoffConfig(), func() error {
		_, putErr := s.Client.PutObject(ctx, s.BucketName, key,
			bytes.NewReader(att.Content), int64(len(att.Content)),
			minio.PutObjectOptions{
				ContentType:    att.ContentType,
				SendContentMd5: true,
			})
		if putErr != nil {
			var minioErr minio.ErrorResponse
			if errors.As(putErr, &minioErr) && minioErr.StatusCode >= 400 && minioErr.StatusCode < 500 {
				return retry.Permanent(putErr)
			}
			return putErr
		}
		return nil
	})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
	}
	metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	return key, nil
}

// Get returns a reader over a stored object.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, err
	}
	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	return object, nil
}

// Exists checks whether an object with the given key is present.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Delete removes an object. A missing object counts as deleted.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	exists, err := s.Exists(ctx, key)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return err
	}
	if !exists {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return nil
	}
	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	return err
}

// DeleteMessageAttachments removes every object stored under one message.
func (s *S3Storage) DeleteMessageAttachments(ctx context.Context, messageID int64) error {
	prefix := fmt.Sprintf("attachments/%d/", messageID)
	for object := range s.Client.ListObjects(ctx, s.BucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, object.Err)
		}
		if !strings.HasPrefix(object.Key, prefix) {
			continue
		}
		if err := s.Delete(ctx, object.Key); err != nil {
			return err
		}
	}
	return nil
}
