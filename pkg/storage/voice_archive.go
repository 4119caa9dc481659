// Package storage archives raw voice-note clips in object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// VoiceArchive stores the original audio of a voice note.
type VoiceArchive interface {
	PutClip(ctx context.Context, messageID string, audio []byte, contentType string) (string, error)
}

// ClipKey is the object key of a message's clip.
func ClipKey(messageID string) string {
	return "voice/" + strings.TrimSpace(messageID)
}

// MinioConfig holds connection settings for a MinIO/S3 endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchive implements VoiceArchive for MinIO/S3 compatible storage.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects to MinIO and ensures the bucket exists.
func NewMinioArchive(cfg MinioConfig) (*MinioArchive, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

// PutClip uploads audio under voice/<messageID> and returns the key.
func (m *MinioArchive) PutClip(ctx context.Context, messageID string, audio []byte, contentType string) (string, error) {
	key := ClipKey(messageID)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(audio), int64(len(audio)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// MemoryArchive keeps clips in-process.
type MemoryArchive struct {
	mu    sync.Mutex
	clips map[string]Clip
}

// Clip is an archived audio object.
type Clip struct {
	Data        []byte
	ContentType string
}

// NewMemoryArchive builds an empty in-process archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{clips: make(map[string]Clip)}
}

func (m *MemoryArchive) PutClip(_ context.Context, messageID string, audio []byte, contentType string) (string, error) {
	key := ClipKey(messageID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clips[key] = Clip{Data: append([]byte(nil), audio...), ContentType: contentType}
	return key, nil
}

// Get returns the clip stored under key.
func (m *MemoryArchive) Get(key string) (Clip, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clips[key]
	return c, ok
}
