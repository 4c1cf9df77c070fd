package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehub-dev/codehub/pkg/archive"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const testBucket = "codehub-archives"

// fakeObjectStore is a path-style object endpoint backed by a map, just
// enough S3 for the job's get, put and delete calls.
type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     []string
	gets     []string
	breakGet map[string]bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:  map[string][]byte{},
		breakGet: map[string]bool{},
	}
}

func (f *fakeObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
	switch r.Method {
	case http.MethodGet:
		f.gets = append(f.gets, key)
		if f.breakGet[key] {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>key does not exist</Message></Error>`)
			return
		}
		w.Write(body)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		f.objects[key] = body
		f.puts = append(f.puts, key)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeObjectStore) seed(key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
}

func (f *fakeObjectStore) failGets(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakGet[key] = true
}

func (f *fakeObjectStore) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	return body, ok
}

func (f *fakeObjectStore) putKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

func (f *fakeObjectStore) getKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...)
}

func newTestJob(t *testing.T, store *fakeObjectStore) *job {
	t.Helper()
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Region:       "us-east-1",
		Retryer:      aws.NopRetryer{},
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		}),
	})

	return &job{
		s3:          client,
		bucket:      testBucket,
		workspaceID: "ws-1",
		volumePath:  t.TempDir(),
		env:         viper.New(),
		logger:      log.WithComponent("job"),
	}
}

// seedArchive packs files into a committed archive under key: payload plus
// matching commit marker.
func seedArchive(t *testing.T, store *fakeObjectStore, key string, files map[string]string) {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		path := filepath.Join(src, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	var buf bytes.Buffer
	digest, err := archive.Pack(src, &buf)
	require.NoError(t, err)
	store.seed(key, buf.Bytes())
	store.seed(archive.MetaKey(key), []byte(archive.FormatMeta(digest)))
}

func TestArchiveUploadsPayloadBeforeMarker(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	j.env.Set("ARCHIVE_OP_ID", "op-1")
	require.NoError(t, os.WriteFile(filepath.Join(j.volumePath, "notes.md"), []byte("remember"), 0o644))

	require.NoError(t, j.runArchive(context.Background()))

	key := types.ArchiveObjectKey("ws-1", "op-1")
	assert.Equal(t, []string{key, archive.MetaKey(key)}, store.putKeys(),
		"payload must land before the commit marker")

	payload, ok := store.object(key)
	require.True(t, ok)
	meta, ok := store.object(archive.MetaKey(key))
	require.True(t, ok)

	digest, err := archive.ParseMeta(string(meta))
	require.NoError(t, err)
	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestArchiveAlreadyCommittedShortCircuits(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	j.env.Set("ARCHIVE_OP_ID", "op-1")

	key := types.ArchiveObjectKey("ws-1", "op-1")
	store.seed(archive.MetaKey(key), []byte(archive.FormatMeta(strings.Repeat("a", 64))))

	require.NoError(t, j.runArchive(context.Background()))

	assert.Empty(t, store.putKeys(), "a committed archive must not be re-uploaded")
	_, ok := store.object(key)
	assert.False(t, ok)
}

func TestArchiveWithoutVolumePacksEmptyHome(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	j.env.Set("ARCHIVE_OP_ID", "op-1")
	j.volumePath = filepath.Join(t.TempDir(), "never-mounted")

	require.NoError(t, j.runArchive(context.Background()))

	key := types.ArchiveObjectKey("ws-1", "op-1")
	payload, ok := store.object(key)
	require.True(t, ok)
	_, ok = store.object(archive.MetaKey(key))
	assert.True(t, ok)

	dst := t.TempDir()
	require.NoError(t, archive.Unpack(bytes.NewReader(payload), dst))
	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreRoundTrip(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	key := types.ArchiveObjectKey("ws-1", "op-1")
	seedArchive(t, store, key, map[string]string{
		"config.json":          `{"theme":"dark"}`,
		"projects/app/main.go": "package main",
	})
	store.seed(archive.RestoreErrorKey("ws-1"), []byte(`{"error":"old attempt"}`))
	j.env.Set("ARCHIVE_KEY", key)
	j.env.Set("RESTORE_OP_ID", "restore-1")

	// Leftovers on the volume are replaced per entry, not merged into.
	require.NoError(t, os.WriteFile(filepath.Join(j.volumePath, "config.json"), []byte("stale"), 0o644))

	require.NoError(t, j.runRestore(context.Background()))

	data, err := os.ReadFile(filepath.Join(j.volumePath, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"theme":"dark"}`, string(data))
	data, err = os.ReadFile(filepath.Join(j.volumePath, "projects/app/main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))

	body, ok := store.object(archive.RestoreMarkerKey("ws-1"))
	require.True(t, ok, "completion marker must be written")
	var marker archive.RestoreMarker
	require.NoError(t, json.Unmarshal(body, &marker))
	assert.Equal(t, "restore-1", marker.RestoreOpID)
	assert.Equal(t, key, marker.ArchiveKey)

	_, ok = store.object(archive.RestoreErrorKey("ws-1"))
	assert.False(t, ok, "stale failure sidecar must be cleared")
}

func TestRestoreShortCircuitsOnMatchingMarker(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	key := types.ArchiveObjectKey("ws-1", "op-1")
	seedArchive(t, store, key, map[string]string{"a.txt": "hello"})

	marker, err := json.Marshal(archive.RestoreMarker{RestoreOpID: "restore-1", ArchiveKey: key})
	require.NoError(t, err)
	store.seed(archive.RestoreMarkerKey("ws-1"), marker)

	j.env.Set("ARCHIVE_KEY", key)
	j.env.Set("RESTORE_OP_ID", "restore-1")
	require.NoError(t, j.runRestore(context.Background()))

	assert.NotContains(t, store.getKeys(), key, "payload must not be downloaded again")
	assert.Empty(t, store.putKeys())
	assert.NoFileExists(t, filepath.Join(j.volumePath, "a.txt"), "volume must not be touched")
}

func TestRestoreNewOpOverwritesMarker(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	key := types.ArchiveObjectKey("ws-1", "op-2")
	seedArchive(t, store, key, map[string]string{"a.txt": "fresh"})

	stale, err := json.Marshal(archive.RestoreMarker{
		RestoreOpID: "restore-1",
		ArchiveKey:  types.ArchiveObjectKey("ws-1", "op-1"),
	})
	require.NoError(t, err)
	store.seed(archive.RestoreMarkerKey("ws-1"), stale)

	j.env.Set("ARCHIVE_KEY", key)
	j.env.Set("RESTORE_OP_ID", "restore-2")
	require.NoError(t, j.runRestore(context.Background()))

	assert.Contains(t, store.getKeys(), key)
	data, err := os.ReadFile(filepath.Join(j.volumePath, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	body, ok := store.object(archive.RestoreMarkerKey("ws-1"))
	require.True(t, ok)
	var marker archive.RestoreMarker
	require.NoError(t, json.Unmarshal(body, &marker))
	assert.Equal(t, "restore-2", marker.RestoreOpID)
	assert.Equal(t, key, marker.ArchiveKey)
}

func TestRestoreDigestMismatchIsCorrupted(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	key := types.ArchiveObjectKey("ws-1", "op-1")
	seedArchive(t, store, key, map[string]string{"a.txt": "hello"})
	// Commit marker from some other payload.
	store.seed(archive.MetaKey(key), []byte(archive.FormatMeta(strings.Repeat("0", 64))))

	j.env.Set("ARCHIVE_KEY", key)
	j.env.Set("RESTORE_OP_ID", "restore-1")
	err := j.runRestore(context.Background())

	var je *jobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, exitCorrupted, je.code)

	body, ok := store.object(archive.RestoreErrorKey("ws-1"))
	require.True(t, ok, "failure sidecar must be written")
	var sidecar map[string]string
	require.NoError(t, json.Unmarshal(body, &sidecar))
	assert.Equal(t, "restore-1", sidecar["restore_op_id"])

	assert.NoFileExists(t, filepath.Join(j.volumePath, "a.txt"))
}

func TestRestoreMissingArchiveIsDataLost(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	j.env.Set("ARCHIVE_KEY", types.ArchiveObjectKey("ws-1", "op-9"))
	j.env.Set("RESTORE_OP_ID", "restore-1")

	err := j.runRestore(context.Background())

	var je *jobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, exitDataLost, je.code)

	_, ok := store.object(archive.RestoreErrorKey("ws-1"))
	assert.True(t, ok, "failure sidecar must be written")
}

func TestRestoreFetchFailureLeavesSidecar(t *testing.T) {
	store := newFakeObjectStore()
	j := newTestJob(t, store)
	key := types.ArchiveObjectKey("ws-1", "op-1")
	seedArchive(t, store, key, map[string]string{"a.txt": "hello"})
	store.failGets(key)

	j.env.Set("ARCHIVE_KEY", key)
	j.env.Set("RESTORE_OP_ID", "restore-1")
	err := j.runRestore(context.Background())
	require.Error(t, err)

	var je *jobError
	assert.False(t, errors.As(err, &je), "transport failures map to the generic exit code")

	body, ok := store.object(archive.RestoreErrorKey("ws-1"))
	require.True(t, ok, "failure sidecar must be written even for fetch errors")
	var sidecar map[string]string
	require.NoError(t, json.Unmarshal(body, &sidecar))
	assert.Equal(t, "restore-1", sidecar["restore_op_id"])
}
