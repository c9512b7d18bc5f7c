// Package s3 implements the content store on an S3-compatible object
// store.
//
// Versions map to objects named <prefix><id>-<hexdigest>, so an object
// can only ever hold the bytes its key names and racing writers cannot
// clobber each other. Small writes publish with one PutObject at
// Commit, once the digest is known. Large writes stream a multipart
// upload to a staging key (multipart needs its key upfront), then
// Commit completes the upload and server-side copies the object to its
// digest-named key. Both PutObject and CompleteMultipartUpload are
// atomic, so no reader ever sees a partial version.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/tarnfs/tarnfs/internal/logger"
	"github.com/tarnfs/tarnfs/pkg/hash"
	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

const (
	// minPartSize is the S3 minimum for all but the last part of a
	// multipart upload.
	minPartSize = 5 << 20

	defaultPartSize = 8 << 20

	// stagingPrefix holds in-flight multipart targets. Node ids are
	// numeric, so this namespace cannot collide with version keys.
	stagingPrefix = "staging/"
)

// Config holds the parameters for the S3 content store. The caller
// supplies a ready client so endpoint, credentials, and retry policy
// stay a configuration concern.
type Config struct {
	Client    *s3.Client
	Bucket    string
	KeyPrefix string

	// PartSize is the multipart upload part size in bytes. Values
	// below the S3 minimum of 5 MiB are raised to the default.
	PartSize int64
}

// ContentStore implements content.Store on an S3 bucket.
type ContentStore struct {
	client   *s3.Client
	bucket   string
	prefix   string
	partSize int64
}

var _ content.Store = (*ContentStore)(nil)

// NewContentStore validates cfg and returns the store. No request is
// made to the bucket here; a misconfigured bucket surfaces on first
// use.
func NewContentStore(cfg Config) (*ContentStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("s3 content store: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 content store: bucket is required")
	}

	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = defaultPartSize
	}

	return &ContentStore{
		client:   cfg.Client,
		bucket:   cfg.Bucket,
		prefix:   cfg.KeyPrefix,
		partSize: partSize,
	}, nil
}

// idKeyPrefix is the object key prefix shared by all versions of id.
func (s *ContentStore) idKeyPrefix(id metadata.NodeID) string {
	return s.prefix + strconv.FormatUint(uint64(id), 10) + "-"
}

func (s *ContentStore) versionKey(id metadata.NodeID, digest hash.Hash) string {
	return s.idKeyPrefix(id) + digest.Hex()
}

// OpenWrite stages a version write. Small blobs are buffered and sent
// as a single PutObject at Commit; once the buffer crosses the part
// size the sink switches to a multipart upload against a staging key
// and streams parts as they fill.
func (s *ContentStore) OpenWrite(ctx context.Context, id metadata.NodeID) (content.WriteSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &s3Sink{
		store:      s,
		ctx:        ctx,
		id:         id,
		stagingKey: s.prefix + stagingPrefix + uuid.NewString(),
		hasher:     hash.NewHasher(),
	}, nil
}

// OpenRead streams the version object with a Range request, so only
// the requested window crosses the network.
func (s *ContentStore) OpenRead(ctx context.Context, id metadata.NodeID, digest hash.Hash, offset uint64, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.versionKey(id, digest)),
	}
	if offset > 0 || length > 0 {
		if length > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(length)-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("blob %d@%s: %w", id, digest, content.ErrNotFound)
		}
		// A range starting at or past the end of the object is not an
		// error in the store contract.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, fmt.Errorf("reading blob %d: %w", id, err)
	}

	return out.Body, nil
}

// DeleteVersion removes one version object. S3 DeleteObject succeeds
// on absent keys, so missing versions are no-ops.
func (s *ContentStore) DeleteVersion(ctx context.Context, id metadata.NodeID, digest hash.Hash) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.versionKey(id, digest)),
	})
	if err != nil {
		return fmt.Errorf("deleting blob %d@%s: %w", id, digest, err)
	}
	return nil
}

// Delete removes every version object for id, paging through the id's
// key prefix.
func (s *ContentStore) Delete(ctx context.Context, id metadata.NodeID) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.idKeyPrefix(id)),
	}

	for {
		page, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("listing blobs for %d: %w", id, err)
		}

		for _, obj := range page.Contents {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return fmt.Errorf("deleting blob %d: %w", id, err)
			}
		}

		if !aws.ToBool(page.IsTruncated) {
			return nil
		}
		input.ContinuationToken = page.NextContinuationToken
	}
}

// Close is a no-op; the HTTP client is owned by the caller.
func (s *ContentStore) Close() error {
	return nil
}

// s3Sink buffers up to one part and escalates to a multipart upload
// when the content outgrows it.
type s3Sink struct {
	store      *ContentStore
	ctx        context.Context
	id         metadata.NodeID
	stagingKey string
	hasher     *hash.Hasher

	buffer   bytes.Buffer
	uploadID string
	partNum  int32
	parts    []types.CompletedPart
	closed   bool
}

func (w *s3Sink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, content.ErrSinkClosed
	}

	w.hasher.Write(p)
	n, _ := w.buffer.Write(p)

	for int64(w.buffer.Len()) >= w.store.partSize {
		if err := w.uploadPart(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// uploadPart ships one full part, starting the multipart upload
// against the staging key on the first call.
func (w *s3Sink) uploadPart() error {
	if w.uploadID == "" {
		out, err := w.store.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(w.store.bucket),
			Key:    aws.String(w.stagingKey),
		})
		if err != nil {
			return fmt.Errorf("starting multipart upload: %w", err)
		}
		w.uploadID = aws.ToString(out.UploadId)
	}

	part := w.buffer.Next(int(w.store.partSize))
	return w.sendPart(part)
}

func (w *s3Sink) sendPart(part []byte) error {
	w.partNum++
	out, err := w.store.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.store.bucket),
		Key:        aws.String(w.stagingKey),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return fmt.Errorf("uploading part %d: %w", w.partNum, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	return nil
}

func (w *s3Sink) Commit(ctx context.Context) (uint64, hash.Hash, error) {
	if w.closed {
		return 0, hash.Hash{}, content.ErrSinkClosed
	}
	w.closed = true

	digest := w.hasher.Sum()
	finalKey := w.store.versionKey(w.id, digest)

	if w.uploadID == "" {
		// Everything fit in the buffer: one atomic PutObject straight
		// to the digest-named key.
		_, err := w.store.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(w.store.bucket),
			Key:    aws.String(finalKey),
			Body:   bytes.NewReader(w.buffer.Bytes()),
		})
		if err != nil {
			return 0, hash.Hash{}, fmt.Errorf("publishing blob: %w", err)
		}
		return w.hasher.Count(), digest, nil
	}

	// The last part may be smaller than the minimum part size.
	if w.buffer.Len() > 0 {
		if err := w.sendPart(w.buffer.Bytes()); err != nil {
			w.abortUpload()
			return 0, hash.Hash{}, err
		}
	}

	sort.Slice(w.parts, func(i, j int) bool {
		return aws.ToInt32(w.parts[i].PartNumber) < aws.ToInt32(w.parts[j].PartNumber)
	})

	_, err := w.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.stagingKey),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.abortUpload()
		return 0, hash.Hash{}, fmt.Errorf("completing multipart upload: %w", err)
	}

	// Server-side copy to the digest-named key, then drop the staging
	// object. CopyObject handles objects up to 5 GiB in one call,
	// which comfortably covers the part counts this sink produces.
	_, err = w.store.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(w.store.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(w.store.bucket + "/" + w.stagingKey),
	})
	if err != nil {
		w.cleanupStaging()
		return 0, hash.Hash{}, fmt.Errorf("publishing blob: %w", err)
	}
	w.cleanupStaging()

	return w.hasher.Count(), digest, nil
}

func (w *s3Sink) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.abortUpload()
	return nil
}

// abortUpload tells S3 to drop staged parts. Uses a fresh context:
// the write context is often already cancelled when aborting, and an
// un-aborted upload accrues storage charges until a lifecycle rule
// reaps it.
func (w *s3Sink) abortUpload() {
	if w.uploadID == "" {
		return
	}
	_, err := w.store.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.stagingKey),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		logger.Warn("content: abort of multipart upload %s for %s failed: %v", w.uploadID, w.stagingKey, err)
	}
}

// cleanupStaging removes the completed staging object. Best effort: a
// leftover is unreferenced garbage under the staging prefix, reaped by
// a bucket lifecycle rule.
func (w *s3Sink) cleanupStaging() {
	_, err := w.store.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(w.store.bucket),
		Key:    aws.String(w.stagingKey),
	})
	if err != nil {
		logger.Warn("content: cleanup of staging object %s failed: %v", w.stagingKey, err)
	}
}
