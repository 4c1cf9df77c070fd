package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/codehub-dev/codehub/pkg/archive"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/types"
)

// job holds the object storage client and the identity of the workspace
// whose volume is mounted into this container.
type job struct {
	s3          *s3.Client
	bucket      string
	workspaceID string
	volumePath  string
	env         *viper.Viper
	logger      zerolog.Logger
}

func newJob(ctx context.Context) (*job, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("VOLUME_PATH", "/home/workspace")

	bucket := v.GetString("S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	workspaceID := v.GetString("WORKSPACE_ID")
	if workspaceID == "" {
		return nil, fmt.Errorf("WORKSPACE_ID is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load object storage credentials: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := v.GetString("S3_ENDPOINT"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &job{
		s3:          client,
		bucket:      bucket,
		workspaceID: workspaceID,
		volumePath:  v.GetString("VOLUME_PATH"),
		env:         v,
		logger:      log.WithComponent("job").With().Str("workspace_id", workspaceID).Logger(),
	}, nil
}

// runArchive packs the mounted volume, uploads the payload, then writes the
// commit marker. Marker last: a crash between the two uploads leaves an
// uncommitted payload the collector will sweep, never a half-committed one.
func (j *job) runArchive(ctx context.Context) error {
	opID := j.env.GetString("ARCHIVE_OP_ID")
	if opID == "" {
		return fmt.Errorf("ARCHIVE_OP_ID is required")
	}
	key := types.ArchiveObjectKey(j.workspaceID, opID)
	metaKey := archive.MetaKey(key)

	// A retried job run after a crash-after-commit must not re-upload.
	if _, found, err := j.getObject(ctx, metaKey); err != nil {
		return err
	} else if found {
		j.logger.Info().Str("archive_key", key).Msg("archive already committed")
		return nil
	}

	srcDir := j.volumePath
	if _, err := os.Stat(srcDir); errors.Is(err, os.ErrNotExist) {
		// No volume mounted: this is the empty-archive path used to settle
		// freshly created workspaces straight into the archived state.
		srcDir, err = os.MkdirTemp("", "empty-home-")
		if err != nil {
			return fmt.Errorf("failed to stage empty archive: %w", err)
		}
		defer os.RemoveAll(srcDir)
	} else if err != nil {
		return fmt.Errorf("failed to stat volume: %w", err)
	}

	tmp, err := os.CreateTemp("", "home-*.tar.zst")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	digest, err := archive.Pack(srcDir, tmp)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind staging file: %w", err)
	}

	if err := j.putObject(ctx, key, tmp); err != nil {
		return err
	}
	if err := j.putObject(ctx, metaKey, strings.NewReader(archive.FormatMeta(digest))); err != nil {
		return err
	}
	j.logger.Info().Str("archive_key", key).Str("digest", digest).Msg("archive committed")
	return nil
}

// runRestore downloads a committed archive, verifies its digest against the
// commit marker and unpacks it into the mounted volume. The restore marker
// object is the completion witness the observer reads; it is written last.
// Any failure past argument parsing leaves a restore error sidecar behind
// before the exit code surfaces.
func (j *job) runRestore(ctx context.Context) error {
	archiveKey := j.env.GetString("ARCHIVE_KEY")
	if archiveKey == "" {
		return fmt.Errorf("ARCHIVE_KEY is required")
	}
	restoreOpID := j.env.GetString("RESTORE_OP_ID")
	if restoreOpID == "" {
		return fmt.Errorf("RESTORE_OP_ID is required")
	}

	// A retried job run after a completed restore must not unpack again on
	// top of a volume the user may already be mutating.
	if body, found, err := j.getObject(ctx, archive.RestoreMarkerKey(j.workspaceID)); err != nil {
		return j.failRestore(ctx, restoreOpID, err)
	} else if found {
		var marker archive.RestoreMarker
		if json.Unmarshal(body, &marker) == nil &&
			marker.RestoreOpID == restoreOpID && marker.ArchiveKey == archiveKey {
			j.logger.Info().Str("archive_key", archiveKey).Msg("restore already completed")
			return nil
		}
	}

	metaBody, found, err := j.getObject(ctx, archive.MetaKey(archiveKey))
	if err != nil {
		return j.failRestore(ctx, restoreOpID, err)
	}
	if !found {
		return j.failRestore(ctx, restoreOpID, failWith(exitDataLost, "archive %s has no commit marker", archiveKey))
	}
	wantDigest, err := archive.ParseMeta(string(metaBody))
	if err != nil {
		return j.failRestore(ctx, restoreOpID, failWith(exitCorrupted, "archive %s: %v", archiveKey, err))
	}

	tmp, err := os.CreateTemp("", "home-*.tar.zst")
	if err != nil {
		return j.failRestore(ctx, restoreOpID, fmt.Errorf("failed to create staging file: %w", err))
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	gotDigest, found, err := j.download(ctx, archiveKey, tmp)
	if err != nil {
		return j.failRestore(ctx, restoreOpID, err)
	}
	if !found {
		return j.failRestore(ctx, restoreOpID, failWith(exitDataLost, "archive payload %s is missing", archiveKey))
	}
	if gotDigest != wantDigest {
		return j.failRestore(ctx, restoreOpID,
			failWith(exitCorrupted, "archive %s digest mismatch: want %s got %s", archiveKey, wantDigest, gotDigest))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return j.failRestore(ctx, restoreOpID, fmt.Errorf("failed to rewind staging file: %w", err))
	}

	// Unpack into a staging directory on the volume filesystem, then move
	// entries into place. A crash mid-restore leaves the staging directory
	// behind instead of a half-written home; the retry replaces it.
	staging, err := os.MkdirTemp(j.volumePath, ".restore-staging-")
	if err != nil {
		return j.failRestore(ctx, restoreOpID, fmt.Errorf("failed to create staging directory: %w", err))
	}
	defer os.RemoveAll(staging)

	if err := archive.Unpack(tmp, staging); err != nil {
		return j.failRestore(ctx, restoreOpID, failWith(exitCorrupted, "failed to unpack %s: %v", archiveKey, err))
	}
	if err := syncStaging(staging, j.volumePath); err != nil {
		return j.failRestore(ctx, restoreOpID, failWith(exitFailed, "failed to sync restored files: %v", err))
	}

	marker, err := json.Marshal(archive.RestoreMarker{
		RestoreOpID: restoreOpID,
		ArchiveKey:  archiveKey,
		RestoredAt:  time.Now().UTC(),
	})
	if err != nil {
		return j.failRestore(ctx, restoreOpID, err)
	}
	if err := j.putObject(ctx, archive.RestoreMarkerKey(j.workspaceID), strings.NewReader(string(marker))); err != nil {
		return j.failRestore(ctx, restoreOpID, err)
	}
	j.deleteObject(ctx, archive.RestoreErrorKey(j.workspaceID))
	j.logger.Info().Str("archive_key", archiveKey).Msg("restore completed")
	return nil
}

// syncStaging moves every extracted entry from the staging directory into the
// volume root, replacing whatever a previous partial attempt left behind.
func syncStaging(staging, dst string) error {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, e := range entries {
		target := filepath.Join(dst, e.Name())
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(staging, e.Name()), target); err != nil {
			return err
		}
	}
	return nil
}

// failRestore records the failure next to the workspace prefix for operators
// before surfacing the exit code. Best effort: the exit code is authoritative.
func (j *job) failRestore(ctx context.Context, restoreOpID string, cause error) error {
	body, _ := json.Marshal(map[string]string{
		"restore_op_id": restoreOpID,
		"error":         cause.Error(),
	})
	if err := j.putObject(ctx, archive.RestoreErrorKey(j.workspaceID), strings.NewReader(string(body))); err != nil {
		j.logger.Warn().Err(err).Msg("failed to record restore error")
	}
	return cause
}

func (j *job) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := j.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(j.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return body, true, nil
}

// download streams the object into w and returns the sha256 of the stream.
func (j *job) download(ctx context.Context, key string, w io.Writer) (string, bool, error) {
	out, err := j.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(j.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NoSuchKey
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer out.Body.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, hasher), out.Body); err != nil {
		return "", false, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), true, nil
}

// deleteObject is best effort; stale failure sidecars are advisory only.
func (j *job) deleteObject(ctx context.Context, key string) {
	_, err := j.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(j.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		j.logger.Warn().Err(err).Str("key", key).Msg("failed to delete object")
	}
}

func (j *job) putObject(ctx context.Context, key string, body io.Reader) error {
	_, err := j.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(j.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
