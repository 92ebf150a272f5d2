//go:build cloudintegration

package s3_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocirrus/pkg/provider"
	providers3 "github.com/3leaps/gocirrus/pkg/provider/s3"
	"github.com/3leaps/gocirrus/test/cloudtest"
)

func newTestProvider(t *testing.T, ctx context.Context, bucket string) *providers3.Provider {
	t.Helper()

	p, err := providers3.New(ctx, providers3.Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_CopyInPlace_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	t.Run("rewrites object metadata in place", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		content := []byte("payload to restamp")
		cloudtest.PutObject(t, ctx, bucket, "data/file.bin", content)

		p := newTestProvider(t, ctx, bucket)

		require.NoError(t, p.CopyInPlace(ctx, "data/file.bin"))

		// Content survives, size unchanged
		meta, err := p.Head(ctx, "data/file.bin")
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), meta.Size)

		// The REPLACE directive stamped the marker metadata
		client := cloudtest.ClientT(t)
		head, err := client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String("data/file.bin"),
		})
		require.NoError(t, err)
		assert.Contains(t, head.Metadata, providers3.RestampMetadataKey)
	})

	t.Run("is idempotent", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		cloudtest.PutObject(t, ctx, bucket, "file.txt", []byte("x"))

		p := newTestProvider(t, ctx, bucket)

		require.NoError(t, p.CopyInPlace(ctx, "file.txt"))
		require.NoError(t, p.CopyInPlace(ctx, "file.txt"))

		meta, err := p.Head(ctx, "file.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(1), meta.Size)
	})

	t.Run("returns ErrNotFound for missing key", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)

		p := newTestProvider(t, ctx, bucket)

		err := p.CopyInPlace(ctx, "nonexistent.txt")
		require.Error(t, err)
		assert.ErrorIs(t, err, provider.ErrNotFound)
	})

	t.Run("handles keys with special characters", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		key := "reports/2024 q1/summary+final.txt"
		cloudtest.PutObject(t, ctx, bucket, key, []byte("q1"))

		p := newTestProvider(t, ctx, bucket)

		require.NoError(t, p.CopyInPlace(ctx, key))

		meta, err := p.Head(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, meta.Key)
	})
}

func TestProvider_ListWithDelimiter_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	t.Run("separates folders from objects", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		cloudtest.PutObjects(t, ctx, bucket, []string{
			"root.txt",
			"a/file1.txt",
			"a/file2.txt",
			"b/nested/file3.txt",
		})

		p := newTestProvider(t, ctx, bucket)

		result, err := p.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
			Delimiter: "/",
		})
		require.NoError(t, err)

		assert.Len(t, result.Objects, 1)
		assert.Equal(t, "root.txt", result.Objects[0].Key)
		assert.ElementsMatch(t, []string{"a/", "b/"}, result.CommonPrefixes)
	})

	t.Run("descends one level with prefix", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		cloudtest.PutObjects(t, ctx, bucket, []string{
			"b/top.txt",
			"b/nested/file3.txt",
		})

		p := newTestProvider(t, ctx, bucket)

		result, err := p.ListWithDelimiter(ctx, provider.ListWithDelimiterOptions{
			Prefix:    "b/",
			Delimiter: "/",
		})
		require.NoError(t, err)

		assert.Len(t, result.Objects, 1)
		assert.Equal(t, "b/top.txt", result.Objects[0].Key)
		assert.Equal(t, []string{"b/nested/"}, result.CommonPrefixes)
	})
}
