package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, size int) string {
	t.Helper()
	data := bytes.Repeat([]byte{0xAB}, size)
	path := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestContentHashMatchesDirectMD5(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := ContentHash(path)
	require.NoError(t, err)

	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestCompositeHashSingleChunkDegeneratesToContentHash(t *testing.T) {
	path := writeTemp(t, 100)

	plain, err := ContentHash(path)
	require.NoError(t, err)

	composite, chunks, err := CompositeHash(path, 1024)
	require.NoError(t, err)
	assert.Equal(t, 1, chunks)
	assert.Equal(t, plain, composite)
}

func TestCompositeHashMultiChunk(t *testing.T) {
	// 2.5 chunks of 64 bytes.
	path := writeTemp(t, 160)

	composite, chunks, err := CompositeHash(path, 64)
	require.NoError(t, err)
	assert.Equal(t, 3, chunks)
	assert.Regexp(t, `^[0-9a-f]{32}-3$`, composite)

	// Hash-of-hashes computed by hand.
	data := bytes.Repeat([]byte{0xAB}, 160)
	var joined []byte
	for off := 0; off < len(data); off += 64 {
		end := off + 64
		if end > len(data) {
			end = len(data)
		}
		sum := md5.Sum(data[off:end])
		joined = append(joined, sum[:]...)
	}
	outer := md5.Sum(joined)
	assert.Equal(t, fmt.Sprintf("%s-3", hex.EncodeToString(outer[:])), composite)
}

func TestCompositeHashIdempotent(t *testing.T) {
	path := writeTemp(t, 1000)

	first, n1, err := CompositeHash(path, 256)
	require.NoError(t, err)
	second, n2, err := CompositeHash(path, 256)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, n1, n2)
}

func TestCompositeHashRejectsBadChunkSize(t *testing.T) {
	path := writeTemp(t, 10)
	_, _, err := CompositeHash(path, 0)
	assert.Error(t, err)
}

func TestTagsMatch(t *testing.T) {
	plain := "aaaabbbbccccddddeeeeffff00001111"
	composite := "11112222333344445555666677778888-4"

	assert.True(t, TagsMatch(plain, plain, composite))
	assert.True(t, TagsMatch(composite, plain, composite))
	assert.True(t, TagsMatch(`"`+composite+`"`, plain, composite), "quoted remote tags must match")
	assert.False(t, TagsMatch("deadbeef", plain, composite))

	// Missing values skip the comparison.
	assert.True(t, TagsMatch("", plain, composite))
	assert.True(t, TagsMatch(plain, "", composite))
}
