//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/tarnfs/tarnfs/pkg/store/content"
	s3store "github.com/tarnfs/tarnfs/pkg/store/content/s3"
	contenttesting "github.com/tarnfs/tarnfs/pkg/store/content/testing"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// newTestClient connects to Localstack (or another S3-compatible
// endpoint from TARNFS_S3_TEST_ENDPOINT) and creates a throwaway
// bucket cleaned up with the test.
func newTestClient(t *testing.T, bucket string) *s3.Client {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("TARNFS_S3_TEST_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		cleanupBucket(client, bucket)
	})
	return client
}

// cleanupBucket removes every object and then the bucket itself.
func cleanupBucket(client *s3.Client, bucket string) {
	ctx := context.Background()

	list, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		for _, obj := range list.Contents {
			_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			})
		}
	}

	_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucket),
	})
}

func TestS3StoreSuite(t *testing.T) {
	contenttesting.RunStoreSuite(t, func(t *testing.T) content.Store {
		bucket := fmt.Sprintf("tarnfs-test-%d", time.Now().UnixNano())
		client := newTestClient(t, bucket)

		store, err := s3store.NewContentStore(s3store.Config{
			Client:    client,
			Bucket:    bucket,
			KeyPrefix: "blobs/",
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

// TestS3MultipartUpload pushes a blob past the part size so the write
// path takes the multipart branch.
func TestS3MultipartUpload(t *testing.T) {
	bucket := fmt.Sprintf("tarnfs-test-mp-%d", time.Now().UnixNano())
	client := newTestClient(t, bucket)

	store, err := s3store.NewContentStore(s3store.Config{
		Client:   client,
		Bucket:   bucket,
		PartSize: 5 << 20, // the S3 minimum, keeps the test fast
	})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	data := make([]byte, 12<<20)
	_, err = rand.Read(data)
	require.NoError(t, err)

	id := metadata.NodeID(7)
	sink, err := store.OpenWrite(ctx, id)
	require.NoError(t, err)
	_, err = io.Copy(sink, bytes.NewReader(data))
	require.NoError(t, err)

	size, digest, err := sink.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), size)
	require.False(t, digest.IsZero())

	r, err := store.OpenRead(ctx, id, digest, 0, content.ReadToEnd)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
