package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/stebubu/venezia/metrics"
	"github.com/stebubu/venezia/utils"
)

func newTestLister(t *testing.T, prefix, pattern string, keys []string) *Lister {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	for _, key := range keys {
		require.NoError(t, bucket.WriteAll(ctx, key, []byte("tile"), nil))
	}

	expr, err := parsePatternExpression(pattern)
	require.NoError(t, err)

	loc := &utils.StoreLocation{Scheme: "mem", Bucket: "test-bucket", Prefix: prefix}
	return &Lister{location: loc, bucket: bucket, pattern: expr}
}

func TestListFiltersRasterExtensions(t *testing.T) {
	lister := newTestLister(t, "", "", []string{
		"flood/2020-01-01.tif",
		"flood/2020-01-02.TIFF",
		"flood/readme.txt",
		"flood/2020-01-03.tif.aux.xml",
	})

	refs, err := lister.List(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, refs, 2)
	assert.Equal(t, "flood/2020-01-01.tif", refs[0].Key)
	assert.Equal(t, "flood/2020-01-02.TIFF", refs[1].Key)
}

func TestListOrdersLexicographically(t *testing.T) {
	lister := newTestLister(t, "", "", []string{
		"s/b.tif",
		"s/c.tif",
		"s/a.tif",
	})

	refs, err := lister.List(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, refs, 3)
	assert.Equal(t, "s/a.tif", refs[0].Key)
	assert.Equal(t, "s/b.tif", refs[1].Key)
	assert.Equal(t, "s/c.tif", refs[2].Key)
}

func TestListNormalisesPrefix(t *testing.T) {
	// A prefix without a trailing separator must not sweep in sibling
	// prefixes sharing the leading string.
	lister := newTestLister(t, "flood", "", []string{
		"flood/a.tif",
		"flood_backup/b.tif",
	})

	refs, err := lister.List(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, "flood/a.tif", refs[0].Key)
}

func TestListEmptyCatalog(t *testing.T) {
	lister := newTestLister(t, "empty", "", []string{"other/a.tif"})

	refs, err := lister.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, refs, 0)
}

func TestListAppliesPattern(t *testing.T) {
	lister := newTestLister(t, "", `path =~ "rain_" && !(path =~ "backup")`, []string{
		"rain_2020.tif",
		"rain_2021_backup.tif",
		"temp_2020.tif",
	})

	refs, err := lister.List(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, "rain_2020.tif", refs[0].Key)
}

func TestListBuildsObjectURIs(t *testing.T) {
	lister := newTestLister(t, "", "", []string{"a/b.tif"})

	refs, err := lister.List(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, "mem://test-bucket/a/b.tif", refs[0].URI)
}

func TestListRecordsMetrics(t *testing.T) {
	lister := newTestLister(t, "", "", []string{"a.tif", "b.tif"})

	collector := metrics.NewMetricsCollector(nil)
	refs, err := lister.List(context.Background(), collector)
	require.NoError(t, err)

	assert.Len(t, refs, 2)
	assert.Equal(t, 2, collector.Info.Catalog.NumObjects)
}

func TestStoreErrorKinds(t *testing.T) {
	cause := errors.New("store said no")

	// Only credential rejections map to the auth failure kind.
	err := storeErrorFor(gcerrors.PermissionDenied, "s3://bucket", cause)
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.NotErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "s3://bucket")
	assert.Contains(t, err.Error(), "store said no")

	for _, code := range []gcerrors.ErrorCode{
		gcerrors.Unknown,
		gcerrors.NotFound,
		gcerrors.Internal,
		gcerrors.DeadlineExceeded,
		gcerrors.ResourceExhausted,
	} {
		err := storeErrorFor(code, "s3://bucket", cause)
		assert.ErrorIs(t, err, ErrUnreachable, "code %v", code)
		assert.NotErrorIs(t, err, ErrAuthFailure, "code %v", code)
	}
}

func TestMapStoreErrorDefaultsToUnreachable(t *testing.T) {
	// Errors with no store error code count as connectivity failures.
	err := mapStoreError(errors.New("connection refused"), "s3://bucket")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestParsePatternRejectsUnknownVariables(t *testing.T) {
	_, err := parsePatternExpression(`size > 100`)
	assert.Error(t, err)

	expr, err := parsePatternExpression(`path =~ "x"`)
	require.NoError(t, err)
	assert.NotNil(t, expr)

	expr, err = parsePatternExpression("   ")
	require.NoError(t, err)
	assert.Nil(t, expr)
}
