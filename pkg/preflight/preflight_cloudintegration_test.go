//go:build cloudintegration

package preflight_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocirrus/pkg/preflight"
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
	t.Cleanup(func() { p.Close() })
	return p
}

func TestCheck_ReadSafe_Allowed(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "data/a.csv", []byte("a,b,c"))
	p := newTestProvider(t, ctx, bucket)

	rec, err := preflight.Check(ctx, p, "data/", preflight.Spec{Mode: preflight.ModeReadSafe})
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.Len(t, rec.Results, 2)
	for _, r := range rec.Results {
		assert.True(t, r.Allowed, "capability %s", r.Capability)
	}
	assert.Equal(t, "data/a.csv", rec.ProbeKey)
}

func TestCheck_CopyProbe_Allowed(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "data/a.csv", []byte("a,b,c"))
	p := newTestProvider(t, ctx, bucket)

	rec, err := preflight.Check(ctx, p, "data/", preflight.Spec{Mode: preflight.ModeCopyProbe})
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.Len(t, rec.Results, 3)
	for _, r := range rec.Results {
		assert.True(t, r.Allowed, "capability %s", r.Capability)
	}

	// The probe copies the object onto itself; it must survive intact.
	meta, err := p.Head(ctx, "data/a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)
}

func TestCheck_CopyProbe_Denied(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "data/a.csv", []byte("a,b,c"))

	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": "DenyCopy",
      "Effect": "Deny",
      "Principal": "*",
      "Action": ["s3:PutObject"],
      "Resource": ["arn:aws:s3:::%s/data/*"]
    }
  ]
}`, bucket)
	cloudtest.PutBucketPolicy(t, ctx, bucket, policy)

	p := newTestProvider(t, ctx, bucket)

	rec, err := preflight.Check(ctx, p, "data/", preflight.Spec{Mode: preflight.ModeCopyProbe})
	require.Error(t, err)
	require.NotNil(t, rec)

	var sawDenied bool
	for _, r := range rec.Results {
		if r.Capability == preflight.CapCopy {
			sawDenied = true
			assert.False(t, r.Allowed)
			assert.Equal(t, "ACCESS_DENIED", r.ErrorCode)
		}
	}
	assert.True(t, sawDenied)
}

func TestCheck_CopyProbe_ExplicitProbeKey(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObjects(t, ctx, bucket, []string{"data/a.csv", "data/b.csv"})
	p := newTestProvider(t, ctx, bucket)

	rec, err := preflight.Check(ctx, p, "data/", preflight.Spec{
		Mode:     preflight.ModeCopyProbe,
		ProbeKey: "data/b.csv",
	})
	require.NoError(t, err)
	assert.Equal(t, "data/b.csv", rec.ProbeKey)
}
