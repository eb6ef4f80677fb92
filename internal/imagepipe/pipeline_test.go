package imagepipe

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/soulsnaps/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryMap map[string]*memory.Memory

func (m memoryMap) Get(_ context.Context, localID string) (*memory.Memory, error) {
	if rec, ok := m[localID]; ok {
		return rec, nil
	}
	return nil, memory.ErrNotFound
}

func writePNG(t *testing.T, path string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return buf.Bytes()
}

func TestPrepareUpload_RawAssets(t *testing.T) {
	dir := t.TempDir()
	photo := filepath.Join(dir, "p.jpg")
	audio := filepath.Join(dir, "a.m4a")
	require.NoError(t, os.WriteFile(photo, []byte("photo"), 0o644))
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o644))

	p := New(memoryMap{"a": {LocalID: "a", PhotoFile: photo, AudioFile: audio}}, Options{})

	data, err := p.PrepareUpload(t.Context(), "a", memory.AssetPhoto)
	require.NoError(t, err)
	assert.Equal(t, []byte("photo"), data)

	data, err = p.PrepareUpload(t.Context(), "a", memory.AssetAudio)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio"), data)
}

func TestPrepareUpload_Errors(t *testing.T) {
	p := New(memoryMap{
		"nophoto": {LocalID: "nophoto"},
		"gone":    {LocalID: "gone", PhotoFile: filepath.Join(t.TempDir(), "missing.jpg")},
	}, Options{})

	_, err := p.PrepareUpload(t.Context(), "missing", memory.AssetPhoto)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	_, err = p.PrepareUpload(t.Context(), "nophoto", memory.AssetAudio)
	assert.ErrorIs(t, err, ErrNoAsset)

	_, err = p.PrepareUpload(t.Context(), "gone", memory.AssetPhoto)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPrepareUpload_CompressesToJPEG(t *testing.T) {
	photo := filepath.Join(t.TempDir(), "p.png")
	writePNG(t, photo)

	p := New(memoryMap{"a": {LocalID: "a", PhotoFile: photo}}, Options{Compress: true, Quality: 50})

	data, err := p.PrepareUpload(t.Context(), "a", memory.AssetPhoto)
	require.NoError(t, err)

	_, err = jpeg.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}

func TestPrepareUpload_UndecodablePhotoUploadedAsIs(t *testing.T) {
	photo := filepath.Join(t.TempDir(), "p.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("not an image"), 0o644))

	p := New(memoryMap{"a": {LocalID: "a", PhotoFile: photo}}, Options{Compress: true})

	data, err := p.PrepareUpload(t.Context(), "a", memory.AssetPhoto)
	require.NoError(t, err)
	assert.Equal(t, []byte("not an image"), data)
}

func TestPrepareUpload_CacheFollowsFileChanges(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "a.m4a")
	require.NoError(t, os.WriteFile(audio, []byte("v1"), 0o644))

	p := New(memoryMap{"a": {LocalID: "a", AudioFile: audio}}, Options{})

	data, err := p.PrepareUpload(t.Context(), "a", memory.AssetAudio)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, 1, p.cache.Len())

	require.NoError(t, os.WriteFile(audio, []byte("v2-longer"), 0o644))
	data, err = p.PrepareUpload(t.Context(), "a", memory.AssetAudio)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2-longer"), data)
}

func TestNew_CacheDisabled(t *testing.T) {
	p := New(memoryMap{}, Options{CacheSize: -1})
	assert.Nil(t, p.cache)
	assert.Equal(t, DefaultQuality, p.opts.Quality)
}
