package extractor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/pakfetch/internal/extractor"
	"github.com/ligustah/pakfetch/internal/testutils"
	"github.com/ligustah/pakfetch/pkg/vpk"
)

func openArchive(t *testing.T, available []int) (*testutils.Fixture, *vpk.Archive) {
	t.Helper()
	f := testutils.NewFixture(t, testutils.FixtureOptions{ShardCount: 500})
	dir, err := vpk.ReadDirectory(f.Dir)
	require.NoError(t, err)
	return f, vpk.Open("pak01", dir, vpk.Limit(f, available))
}

func TestExtract(t *testing.T) {
	available := []int{356, 243, 354}
	f, archive := openArchive(t, available)
	paths := testutils.TargetPaths(testutils.DefaultTargets())

	out, err := extractor.Extract(context.Background(), archive, paths, available)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, p := range paths {
		assert.Equal(t, f.Contents[p], out[p], p)
	}
}

func TestExtractMissingShard(t *testing.T) {
	available := []int{243, 354}
	_, archive := openArchive(t, available)
	paths := testutils.TargetPaths(testutils.DefaultTargets())

	out, err := extractor.Extract(context.Background(), archive, paths, available)
	assert.Nil(t, out, "partial results must not be returned")

	var missing *extractor.MissingShardForEntryError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, testutils.ChinesePath, missing.Path)
	assert.Equal(t, 356, missing.Shard.Index)
}

func TestExtractSourceMissingShard(t *testing.T) {
	// The caller claims 356 is available but the source cannot serve it.
	_, archive := openArchive(t, []int{243, 354})
	paths := testutils.TargetPaths(testutils.DefaultTargets())

	_, err := extractor.Extract(context.Background(), archive, paths, []int{243, 354, 356})
	var missing *extractor.MissingShardForEntryError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, "pak01_356.vpk", missing.Shard.Name())
}

func TestExtractUnknownEntry(t *testing.T) {
	_, archive := openArchive(t, []int{1})

	_, err := extractor.Extract(context.Background(), archive, []string{"resource/nope.txt"}, []int{1})
	assert.ErrorIs(t, err, vpk.ErrEntryNotFound)
}
