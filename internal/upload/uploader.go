// Package upload normalises slide images and publishes them so assessment
// requests can reference them by URL.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"

	"github.com/disintegration/imaging"

	"assessment-runner/internal/dispatch"
	"assessment-runner/internal/hashing"
	"assessment-runner/internal/models"
)

// Target turns an encoded image into an upload request and reads the public URL
// back from a successful response.
type Target interface {
	Prepare(ctx context.Context, key string, body []byte, contentType string) (dispatch.Request, error)
	PublicURL(key string, resp *dispatch.Response) (string, error)
}

// Sender is the subset of the dispatcher the uploader needs.
type Sender interface {
	SendBatch(ctx context.Context, reqs []dispatch.Request) []dispatch.Outcome
}

// Uploader publishes image blobs, one request per distinct fingerprint.
type Uploader struct {
	sender   Sender
	target   Target
	maxWidth int
	logger   *slog.Logger
}

func New(sender Sender, target Target, maxWidth int, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{sender: sender, target: target, maxWidth: maxWidth, logger: logger}
}

// UploadAll publishes blobs and returns the URL of every blob that made it.
// Blobs that fail to decode or upload are logged and left out of the map.
func (u *Uploader) UploadAll(ctx context.Context, blobs [][]byte) map[models.Fingerprint]string {
	urls := make(map[models.Fingerprint]string)
	seen := make(map[models.Fingerprint]bool)
	var (
		reqs []dispatch.Request
		keys []string
		fps  []models.Fingerprint
	)
	for _, blob := range blobs {
		fp, err := hashing.Sum(blob)
		if err != nil || seen[fp] {
			continue
		}
		seen[fp] = true

		body, err := u.normalise(blob)
		if err != nil {
			u.logger.Warn("upload.normalise.failed", "fingerprint", fp, "error", err)
			continue
		}
		key := ObjectKey(fp)
		req, err := u.target.Prepare(ctx, key, body, "image/png")
		if err != nil {
			u.logger.Warn("upload.prepare.failed", "fingerprint", fp, "error", err)
			continue
		}
		reqs = append(reqs, req)
		keys = append(keys, key)
		fps = append(fps, fp)
	}
	if len(reqs) == 0 {
		return urls
	}

	for _, o := range u.sender.SendBatch(ctx, reqs) {
		if !o.OK() {
			u.logger.Warn("upload.failed", "key", keys[o.Index], "attempts", o.Attempts, "error", o.Err)
			continue
		}
		url, err := u.target.PublicURL(keys[o.Index], o.Response)
		if err != nil {
			u.logger.Warn("upload.url.failed", "key", keys[o.Index], "error", err)
			continue
		}
		urls[fps[o.Index]] = url
	}
	u.logger.Info("upload.done", "distinct", len(reqs), "uploaded", len(urls))
	return urls
}

// ObjectKey is content addressed, so re-uploading the same image reuses its key.
func ObjectKey(fp models.Fingerprint) string {
	return "slides/" + string(fp) + ".png"
}

func (u *Uploader) normalise(blob []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if u.maxWidth > 0 && img.Bounds().Dx() > u.maxWidth {
		img = imaging.Resize(img, u.maxWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
