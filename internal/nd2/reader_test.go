package nd2_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ikeda042/ND2toVideo/internal/nd2"
	"github.com/ikeda042/ND2toVideo/internal/nd2/nd2test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, f nd2test.File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.nd2")
	require.NoError(t, nd2test.Write(path, f))
	return path
}

func TestOpenReadsLayout(t *testing.T) {
	path := writeFile(t, nd2test.File{
		Width: 6, Height: 4, Times: 3, Views: 4, ZLevels: 2, Calibration: 0.108,
	})

	r, err := nd2.Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, nd2.Sizes{X: 6, Y: 4, C: 1, T: 3, V: 4, Z: 2}, r.Sizes())
	assert.Equal(t, []string{"x", "y", "t", "v", "z"}, r.Axes())
	assert.True(t, r.HasAxis("v"))
	assert.False(t, r.HasAxis("c"))
	assert.InDelta(t, 0.108, r.Calibration(), 1e-12)

	a := r.Attributes()
	assert.Equal(t, 16, a.BitsPerComponent)
	assert.Equal(t, 24, a.SequenceCount)
}

func TestSequenceIndexOrder(t *testing.T) {
	path := writeFile(t, nd2test.File{Width: 2, Height: 2, Times: 2, Views: 3, ZLevels: 2})
	r, err := nd2.Open(path)
	require.NoError(t, err)
	defer r.Close()

	tests := []struct {
		t, v, z int
		want    int
	}{
		{0, 0, 0, 0},
		{0, 0, 1, 1},
		{0, 1, 0, 2},
		{0, 2, 1, 5},
		{1, 0, 0, 6},
		{1, 2, 1, 11},
	}
	for _, tt := range tests {
		got, err := r.SequenceIndex(tt.t, tt.v, tt.z)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "t=%d v=%d z=%d", tt.t, tt.v, tt.z)
	}

	_, err = r.SequenceIndex(2, 0, 0)
	assert.ErrorIs(t, err, nd2.ErrOutOfRange)
	_, err = r.SequenceIndex(0, 3, 0)
	assert.ErrorIs(t, err, nd2.ErrOutOfRange)
}

func TestFramePixels(t *testing.T) {
	path := writeFile(t, nd2test.File{Width: 5, Height: 3, Times: 2, Views: 3})
	r, err := nd2.Open(path)
	require.NoError(t, err)
	defer r.Close()

	f, err := r.Frame(1, 2, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 5, f.Width)
	require.Equal(t, 3, f.Height)
	require.Len(t, f.Pix, 15)

	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			want := float32(nd2test.DefaultPixel(1, 2, 0, 0, x, y))
			assert.Equal(t, want, f.Pix[y*5+x], "pixel (%d,%d)", x, y)
		}
	}
	// Sequence 5 (t=1, v=2) was written with timestamp 500.
	assert.Equal(t, 500.0, f.Timestamp)
}

func TestFrameChannelsAndPadding(t *testing.T) {
	path := writeFile(t, nd2test.File{
		Width: 3, Height: 2, Components: 2, BitsPerComponent: 8, RowPadding: 3, Views: 2,
	})
	r, err := nd2.Open(path)
	require.NoError(t, err)
	defer r.Close()

	f, err := r.Frame(0, 1, 0, 1)
	require.NoError(t, err)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			want := float32(uint8(nd2test.DefaultPixel(0, 1, 0, 1, x, y)))
			assert.Equal(t, want, f.Pix[y*3+x])
		}
	}

	_, err = r.Frame(0, 0, 0, 2)
	assert.ErrorIs(t, err, nd2.ErrOutOfRange)
}

func TestSingleFieldHasNoViewAxis(t *testing.T) {
	path := writeFile(t, nd2test.File{Width: 2, Height: 2, Times: 4})
	r, err := nd2.Open(path)
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.HasAxis("v"))
	assert.Equal(t, 4, r.Sizes().T)
	assert.Zero(t, r.Calibration())
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	notND2 := filepath.Join(dir, "plain.nd2")
	require.NoError(t, os.WriteFile(notND2, []byte("this is not a microscopy file at all, just text padding"), 0644))
	_, err := nd2.Open(notND2)
	assert.ErrorIs(t, err, nd2.ErrBadMagic)

	// Valid header, truncated before the trailer.
	data, err := nd2test.Encode(nd2test.File{Width: 2, Height: 2})
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.nd2")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-10], 0644))
	_, err = nd2.Open(truncated)
	assert.ErrorIs(t, err, nd2.ErrNoChunkMap)

	// A chunk header claiming a length that wraps past 2^64.
	data, err = nd2test.Encode(nd2test.File{Width: 2, Height: 2})
	require.NoError(t, err)
	at := bytes.Index(data, []byte("ImageAttributesLV!"))
	require.Greater(t, at, 16)
	binary.LittleEndian.PutUint64(data[at-8:at], ^uint64(0)-10)
	oversized := filepath.Join(dir, "oversized.nd2")
	require.NoError(t, os.WriteFile(oversized, data, 0644))
	_, err = nd2.Open(oversized)
	assert.ErrorIs(t, err, nd2.ErrCorrupt)

	_, err = nd2.Open(filepath.Join(dir, "missing.nd2"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
