// Package imagepipe prepares memory assets for upload
package imagepipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openmined/soulsnaps/internal/memory"
)

const (
	DefaultQuality   = 80
	defaultCacheSize = 32
	defaultCacheTTL  = 10 * time.Minute
)

var ErrNoAsset = errors.New("imagepipe: memory has no such asset")

// Pipeline returns the bytes to upload for an asset of a memory
type Pipeline interface {
	PrepareUpload(ctx context.Context, localID string, kind memory.AssetKind) ([]byte, error)
}

// MemoryGetter resolves a memory record
type MemoryGetter interface {
	Get(ctx context.Context, localID string) (*memory.Memory, error)
}

type Options struct {
	// Compress re-encodes photos as JPEG at Quality
	Compress bool
	Quality  int
	// CacheSize bounds the number of prepared assets kept in memory.
	// Negative disables the cache.
	CacheSize int
	CacheTTL  time.Duration
}

// FilePipeline reads assets from the files referenced by the memory record
type FilePipeline struct {
	memories MemoryGetter
	opts     Options
	cache    *expirable.LRU[string, []byte]
}

var _ Pipeline = (*FilePipeline)(nil)

func New(memories MemoryGetter, opts Options) *FilePipeline {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}

	p := &FilePipeline{memories: memories, opts: opts}
	if opts.CacheSize > 0 {
		p.cache = expirable.NewLRU[string, []byte](opts.CacheSize, nil, opts.CacheTTL)
	}
	return p
}

func (p *FilePipeline) PrepareUpload(ctx context.Context, localID string, kind memory.AssetKind) ([]byte, error) {
	m, err := p.memories.Get(ctx, localID)
	if err != nil {
		return nil, err
	}

	path := m.PhotoFile
	if kind == memory.AssetAudio {
		path = m.AudioFile
	}
	if path == "" {
		return nil, fmt.Errorf("%w: %s %s", ErrNoAsset, localID, kind)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s %s: %w", kind, localID, err)
	}

	// a rewritten file changes the key
	key := fmt.Sprintf("%s|%s|%d|%d", path, kind, info.Size(), info.ModTime().UnixNano())
	if p.cache != nil {
		if data, ok := p.cache.Get(key); ok {
			return data, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, localID, err)
	}

	if kind == memory.AssetPhoto && p.opts.Compress {
		data = p.compress(localID, data)
	}

	if p.cache != nil {
		p.cache.Add(key, data)
	}
	return data, nil
}

// compress re-encodes a photo as JPEG. Undecodable input and output that is
// not smaller are returned unchanged.
func (p *FilePipeline) compress(localID string, data []byte) []byte {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Debug("imagepipe photo not decodable, uploading as is", "localId", localID, "error", err)
		return data
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		slog.Warn("imagepipe encode", "localId", localID, "error", err)
		return data
	}
	if buf.Len() >= len(data) && format == "jpeg" {
		return data
	}

	slog.Debug("imagepipe compressed photo",
		"localId", localID,
		"format", format,
		"from", humanize.Bytes(uint64(len(data))),
		"to", humanize.Bytes(uint64(buf.Len())),
	)
	return buf.Bytes()
}
