// Package media mirrors board images into the blob store. Mirroring is best
// effort: a failed download or upload is logged and skipped, never failing
// the thread snapshot that referenced it.
package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/datapipe-labs/harvester/internal/fetch"
	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

// Fetcher downloads one media file from the board CDN.
type Fetcher interface {
	Media(ctx context.Context, board, filename string) ([]byte, error)
}

var _ Fetcher = (*fetch.BoardClient)(nil)

// mirrored maps the image extensions worth keeping to their content types.
// Video and gif are skipped.
var mirrored = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// Mirror copies post images into a blob store.
type Mirror struct {
	fetcher Fetcher
	blobs   harvest.BlobStore
	logger  *zap.Logger
}

// New builds a Mirror.
func New(fetcher Fetcher, blobs harvest.BlobStore, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{fetcher: fetcher, blobs: blobs, logger: logger}
}

// objectPath derives the blob path for a post image. The server-assigned
// image id is the source filename, which keeps paths stable across re-fetch.
func objectPath(p harvest.Post) string {
	return fmt.Sprintf("%s/%d/%d%s", p.Board, p.ThreadID, p.ImageID, p.Ext)
}

// MirrorPost downloads and stores the post's image, filling in MediaPath and
// LocalMD5 on success. Non-image attachments and already-mirrored objects
// are skipped.
func (m *Mirror) MirrorPost(ctx context.Context, p *harvest.Post) {
	if p.ImageID == 0 {
		return
	}
	contentType, ok := mirrored[p.Ext]
	if !ok {
		metrics.ObserveSkip(fetch.SourceBoard, "media_ext")
		return
	}

	path := objectPath(*p)
	log := m.logger.With(zap.String("board", p.Board), zap.Int64("thread_id", p.ThreadID), zap.String("path", path))

	exists, err := m.blobs.Exists(ctx, path)
	if err != nil {
		log.Warn("media existence check failed", zap.Error(err))
		return
	}
	if exists {
		metrics.ObserveSkip(fetch.SourceBoard, "media_exists")
		return
	}

	filename := strconv.FormatInt(p.ImageID, 10) + p.Ext
	data, err := m.fetcher.Media(ctx, p.Board, filename)
	if err != nil {
		log.Warn("media download failed", zap.Error(err))
		return
	}

	uri, err := m.blobs.Put(ctx, path, contentType, data)
	if err != nil {
		log.Warn("media upload failed", zap.Error(err))
		return
	}

	sum := md5.Sum(data)
	p.MediaPath = uri
	p.LocalMD5 = hex.EncodeToString(sum[:])
}
