package contextstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
)

// MinioStore keeps one JSON document per run in an object-store bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, doc domain.RunContext) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("context store not initialized")
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}
	_, err = s.client.PutObject(
		ctx,
		s.bucket,
		objectKey(doc.PlaylistID),
		bytes.NewReader(blob),
		int64(len(blob)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("put run context: %w", err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, playlistID string) (domain.RunContext, error) {
	if s == nil || s.client == nil {
		return domain.RunContext{}, fmt.Errorf("context store not initialized")
	}
	playlistID = strings.TrimSpace(playlistID)
	if playlistID == "" {
		return domain.RunContext{}, fmt.Errorf("playlist id is required")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(playlistID), minio.GetObjectOptions{})
	if err != nil {
		return domain.RunContext{}, handleMinioError(err)
	}
	defer obj.Close()

	blob, err := io.ReadAll(obj)
	if err != nil {
		return domain.RunContext{}, handleMinioError(err)
	}
	var doc domain.RunContext
	if err := json.Unmarshal(blob, &doc); err != nil {
		return domain.RunContext{}, fmt.Errorf("decode run context: %w", err)
	}
	return doc, nil
}

func objectKey(playlistID string) string {
	return playlistID + ".json"
}

func handleMinioError(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return repo.ErrNotFound
	}
	return fmt.Errorf("get run context: %w", err)
}
