package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/image/draw"
)

const (
	// DefaultFrameOffset is where the preview frame is taken from.
	DefaultFrameOffset = 500 * time.Millisecond
	// DefaultThumbnailSize bounds the longer edge of a thumbnail.
	DefaultThumbnailSize = 800
)

// ErrNoFrame is returned when a video yields no decodable frame.
var ErrNoFrame = errors.New("no frame could be extracted")

// FrameExtractor rasterizes a single video frame.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, data []byte, offset time.Duration) (image.Image, error)
}

// FFmpegExtractor extracts frames with the ffmpeg binary.
type FFmpegExtractor struct {
	// Path of the ffmpeg binary. Empty means "ffmpeg" on PATH.
	Path string
}

// ExtractFrame writes data to a temporary file and asks ffmpeg for one PNG
// frame at offset.
func (e FFmpegExtractor) ExtractFrame(ctx context.Context, data []byte, offset time.Duration) (image.Image, error) {
	bin := e.Path
	if bin == "" {
		bin = "ffmpeg"
	}

	tmp, err := os.CreateTemp("", "chatsync-video-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", tmp.Name(),
		"-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "png", "-",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, ErrNoFrame
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	return img, nil
}

// Thumbnail scales img so its longer edge is at most maxEdge pixels and
// encodes it as PNG.
func Thumbnail(img image.Image, maxEdge int) ([]byte, error) {
	if img == nil {
		return nil, ErrNoFrame
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, ErrNoFrame
	}

	if maxEdge > 0 && (w > maxEdge || h > maxEdge) {
		scale := min(float64(maxEdge)/float64(w), float64(maxEdge)/float64(h))
		w = max(1, int(float64(w)*scale))
		h = max(1, int(float64(h)*scale))
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
