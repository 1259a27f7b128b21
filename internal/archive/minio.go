package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver writes immutable version snapshots to object storage.
// It is optional; a nil *Archiver is safe to call and does nothing.
type Archiver struct {
	client *minio.Client
	bucket string
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the object store and ensures the bucket exists.
// Returns nil (no error) when no endpoint is configured.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: connect %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// PutVersion stores one document version snapshot under cases/<id>/v<n>.json.
func (a *Archiver) PutVersion(ctx context.Context, caseID string, version int, rawTree []byte) error {
	if a == nil {
		return nil
	}
	key := fmt.Sprintf("cases/%s/v%d.json", caseID, version)
	_, err := a.client.PutObject(ctx, a.bucket, key,
		bytes.NewReader(rawTree), int64(len(rawTree)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

// PutVersionAsync archives in the background; failures are logged, never fatal.
func (a *Archiver) PutVersionAsync(caseID string, version int, rawTree []byte) {
	if a == nil {
		return
	}
	snapshot := make([]byte, len(rawTree))
	copy(snapshot, rawTree)
	go func() {
		if err := a.PutVersion(context.Background(), caseID, version, snapshot); err != nil {
			log.Printf("archive: case %s v%d: %v", caseID, version, err)
		}
	}()
}

// GetVersion fetches an archived snapshot.
func (a *Archiver) GetVersion(ctx context.Context, caseID string, version int) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("archive: not configured")
	}
	key := fmt.Sprintf("cases/%s/v%d.json", caseID, version)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
