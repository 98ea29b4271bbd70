package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig holds the settings for the S3-compatible snapshot backend.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore keeps one snapshot object per document plus a small pointer
// object per reference. Writes overwrite by key, so replaying a save is
// harmless; the per-document single writer upstream keeps them ordered, and
// Save still refuses to clobber a newer seq it can see.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// envelope is the stored object body. State rides along base64-encoded by
// encoding/json.
type envelope struct {
	DocumentID string    `json:"documentId"`
	Reference  string    `json:"reference"`
	Seq        uint64    `json:"seq"`
	State      []byte    `json:"state"`
	SavedAt    time.Time `json:"savedAt"`
}

func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	s := &ObjectStore{client: client, bucket: cfg.Bucket}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return s, nil
}

func snapshotKey(documentID string) string {
	return "snapshots/" + documentID + ".json"
}

func referenceKey(reference string) string {
	return "references/" + reference
}

func (s *ObjectStore) Save(ctx context.Context, rec Record) error {
	existing, err := s.Load(ctx, rec.DocumentID)
	if err != nil && !errors.Is(err, ErrAbsent) {
		return err
	}
	if err == nil && existing.Seq > rec.Seq {
		return nil
	}

	body, err := json.Marshal(envelope{
		DocumentID: rec.DocumentID,
		Reference:  rec.Reference,
		Seq:        rec.Seq,
		State:      rec.State,
		SavedAt:    rec.SavedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", rec.DocumentID, err)
	}

	if _, err := s.client.PutObject(ctx, s.bucket, snapshotKey(rec.DocumentID),
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("put snapshot %s: %w", rec.DocumentID, err)
	}

	ref := []byte(rec.DocumentID)
	if _, err := s.client.PutObject(ctx, s.bucket, referenceKey(rec.Reference),
		bytes.NewReader(ref), int64(len(ref)),
		minio.PutObjectOptions{ContentType: "text/plain"}); err != nil {
		return fmt.Errorf("put reference %s: %w", rec.Reference, err)
	}
	return nil
}

func (s *ObjectStore) Load(ctx context.Context, documentID string) (Record, error) {
	body, err := s.get(ctx, snapshotKey(documentID))
	if err != nil {
		return Record{}, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Record{}, fmt.Errorf("decode snapshot %s: %w", documentID, err)
	}
	return Record{
		DocumentID: env.DocumentID,
		Reference:  env.Reference,
		Seq:        env.Seq,
		State:      env.State,
		SavedAt:    env.SavedAt,
	}, nil
}

func (s *ObjectStore) LoadByReference(ctx context.Context, reference string) (Record, error) {
	id, err := s.get(ctx, referenceKey(reference))
	if err != nil {
		return Record{}, err
	}
	return s.Load(ctx, strings.TrimSpace(string(id)))
}

func (s *ObjectStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrAbsent
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return body, nil
}

func (s *ObjectStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("object store ping: %w", err)
	}
	return nil
}
