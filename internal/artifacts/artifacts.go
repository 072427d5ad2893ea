// Package artifacts backs the debug endpoint's auxiliary URLs: presigned
// links to whatever recordings or diagnostic snapshots a session's
// container wrote to S3, plus a small upload helper for archiving a
// session's event history when it terminates abnormally.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wallcrawler/sessioncore/internal/types"
)

const recordingsPrefixFormat = "sessions/%s/recordings/"

// RecordingsPrefix returns the S3 key prefix under which a session's
// container is expected to have written its recordings.
func RecordingsPrefix(sessionID string) string {
	return fmt.Sprintf(recordingsPrefixFormat, sessionID)
}

// Artifact is one downloadable object belonging to a session.
type Artifact struct {
	Key          string `json:"key"`
	FileName     string `json:"fileName"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified,omitempty"`
	DownloadURL  string `json:"downloadUrl"`
}

// Store resolves a session's S3 artifacts into presigned download links.
type Store struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
	ttl      time.Duration
}

// New builds a Store against bucket, with ttl bounding how long a
// presigned download URL remains valid.
func New(client *s3.Client, bucket string, ttl time.Duration) *Store {
	return &Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		ttl:      ttl,
	}
}

// List enumerates every object under a session's recordings prefix,
// attaching a presigned download URL to each.
func (s *Store) List(ctx context.Context, sessionID string) ([]Artifact, error) {
	prefix := RecordingsPrefix(sessionID)

	var (
		continuationToken *string
		out               []Artifact
	)

	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list session artifacts: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			key := *obj.Key

			downloadURL, err := s.presignDownload(ctx, key)
			if err != nil {
				return nil, err
			}

			var lastModified string
			if obj.LastModified != nil {
				lastModified = obj.LastModified.Format(time.RFC3339)
			}

			out = append(out, Artifact{
				Key:          key,
				FileName:     path.Base(key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: lastModified,
				DownloadURL:  downloadURL,
			})
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuationToken = page.NextContinuationToken
	}

	return out, nil
}

func (s *Store) presignDownload(ctx context.Context, key string) (string, error) {
	result, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign download url: %w", err)
	}
	return result.URL, nil
}

// ArchiveEventHistory uploads sess's event history as a JSON diagnostic
// snapshot, used by the Lifecycle Reconciler when it fails a session stuck
// in provisioning so the
// audit trail outlives the record's eventual TTL expiry from the table.
func (s *Store) ArchiveEventHistory(ctx context.Context, sess types.Session) error {
	body, err := json.Marshal(sess.EventHistory)
	if err != nil {
		return fmt.Errorf("marshal event history: %w", err)
	}

	key := fmt.Sprintf("sessions/%s/diagnostics/event-history.json", sess.SessionID)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload event history archive: %w", err)
	}
	return nil
}
