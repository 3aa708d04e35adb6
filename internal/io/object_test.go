package io

import (
	"bytes"
	"context"
	stdio "io"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpump/internal/config"
	"docpump/internal/runerr"
)

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu          sync.Mutex
	bucket      string
	contentType string
	objects     map[string][]byte
	failUpload  error
}

func (m *memStore) Upload(_ context.Context, key string, r stdio.Reader) error {
	data, err := stdio.ReadAll(r)
	if err != nil {
		return err
	}
	if m.failUpload != nil {
		return m.failUpload
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) Open(_ context.Context, key string) (stdio.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.Newf("object %s does not exist", key)
	}
	return stdio.NopCloser(bytes.NewReader(data)), nil
}

// useMemStore routes every s3:// locator in the test to store.
func useMemStore(t *testing.T, store *memStore) {
	t.Helper()
	orig := newObjectStoreFunc
	newObjectStoreFunc = func(_ config.ObjectStoreConfig, bucket, contentType string) (ObjectStore, error) {
		store.mu.Lock()
		defer store.mu.Unlock()
		store.bucket = bucket
		if contentType != "" {
			store.contentType = contentType
		}
		return store, nil
	}
	t.Cleanup(func() { newObjectStoreFunc = orig })
}

func TestParseObjectLocator(t *testing.T) {
	tests := []struct {
		locator    string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{"s3://bucket/dump.ndjson", "bucket", "dump.ndjson", false},
		{"s3://bucket/nested/dir/dump.csv.gz", "bucket", "nested/dir/dump.csv.gz", false},
		{"s3://bucket", "", "", true},
		{"s3:///key", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.locator, func(t *testing.T) {
			bucket, key, err := ParseObjectLocator(tt.locator)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestObjectSink_PartitionsAndReadBack(t *testing.T) {
	store := &memStore{objects: map[string][]byte{}}
	useMemStore(t, store)

	cfg := fileSinkConfig("s3://dumps/people/out.ndjson", config.FormatNDJSON)
	cfg.Destination.MaxRows = 2
	cfg.Destination.Compress = true
	sink, err := NewSink(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, writeAll(t, sink, people(3), 3))

	assert.Equal(t, "dumps", store.bucket)
	assert.Equal(t, "application/gzip", store.contentType)
	require.Len(t, store.objects, 2)
	assert.Contains(t, store.objects, "people/out.split-0.ndjson.gz")
	assert.Contains(t, store.objects, "people/out.split-1.ndjson.gz")

	src, err := NewSource(context.Background(), fileSourceConfig("s3://dumps/people/out.split-0.ndjson.gz", config.FormatNDJSON))
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, ids(readAll(t, src, 10)))
}

func TestObjectSink_UploadFailureIsPartitionError(t *testing.T) {
	store := &memStore{objects: map[string][]byte{}, failUpload: errors.New("AccessDenied")}
	useMemStore(t, store)

	sink, err := NewSink(context.Background(), fileSinkConfig("s3://dumps/out.json", config.FormatJSON))
	require.NoError(t, err)
	_, err = sink.Write(context.Background(), people(2), 2, 0)
	require.NoError(t, err)

	_, err = sink.Write(context.Background(), nil, 2, 2)
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindPartition))
	assert.True(t, strings.Contains(err.Error(), "AccessDenied"))
}

func TestObjectSource_MissingObject(t *testing.T) {
	useMemStore(t, &memStore{objects: map[string][]byte{}})

	src, err := NewSource(context.Background(), fileSourceConfig("s3://dumps/none.ndjson", config.FormatNDJSON))
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), 10, 0)
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindRead))
}

func TestNewS3Store_RequiresEndpoint(t *testing.T) {
	_, err := NewS3Store(config.ObjectStoreConfig{}, "bucket", "")
	assert.Error(t, err)

	store, err := NewS3Store(config.ObjectStoreConfig{Endpoint: "https://minio.local:9000", AccessKeyID: "k", SecretAccessKey: "s"}, "bucket", "")
	require.NoError(t, err)
	assert.Equal(t, "bucket", store.bucket)
	assert.Equal(t, "application/octet-stream", store.contentType)
}
