package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/loglimit"
)

// Recorded video is normalized to one resolution so segments written at
// different times can still be concatenated with a stream copy.
const (
	outputWidth   = 640
	outputHeight  = 480
	recordQuality = 85

	stderrTailBytes = 512
)

var (
	errEmptySegment    = errors.New("segment has no frames")
	errSegmentTooSmall = errors.New("segment file below minimum size")
)

// codecChoice pairs a FourCC with the ffmpeg encoder that produces it.
type codecChoice struct {
	fourcc  string
	encoder string
}

// Encoders are tried in order until one succeeds; which are available
// depends on how the local ffmpeg was built.
var codecAttempts = []codecChoice{
	{"mp4v", "mpeg4"},
	{"XVID", "libxvid"},
	{"MJPG", "mjpeg"},
	{"H264", "libx264"},
}

// VideoWriter turns buffered JPEG frames into video files by piping them
// through an ffmpeg child process.
type VideoWriter struct {
	ffmpegPath  string
	ffprobePath string
	minBytes    int64
	logger      *loglimit.Logger
}

// NewVideoWriter builds a writer. minBytes is the floor below which a
// freshly written file is discarded unless the save was forced.
func NewVideoWriter(ffmpegPath, ffprobePath string, minBytes int64, logger *loglimit.Logger) *VideoWriter {
	return &VideoWriter{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		minBytes:    minBytes,
		logger:      logger,
	}
}

// Save writes the segment to path, trying each codec in turn, and returns
// the file size. Unless force is set, files smaller than the configured
// minimum are deleted and the save reports errSegmentTooSmall.
func (w *VideoWriter) Save(ctx context.Context, seg *Segment, path string, fps int, force bool) (int64, error) {
	if seg.FrameCount() == 0 {
		return 0, errEmptySegment
	}

	var lastErr error
	for _, codec := range codecAttempts {
		err := w.encode(ctx, seg, path, fps, codec)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		_ = os.Remove(path)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.logger.Warn("recorder-codec", "Codec failed, trying next",
			zap.String("codec", codec.fourcc), zap.Error(err))
	}
	if lastErr != nil {
		return 0, fmt.Errorf("all codecs failed: %w", lastErr)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat written segment: %w", err)
	}
	if !force && info.Size() < w.minBytes {
		_ = os.Remove(path)
		return 0, fmt.Errorf("%w: %d bytes", errSegmentTooSmall, info.Size())
	}
	return info.Size(), nil
}

func (w *VideoWriter) encode(ctx context.Context, seg *Segment, path string, fps int, codec codecChoice) error {
	cmd := exec.CommandContext(ctx, w.ffmpegPath, encodeArgs(codec, fps, path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	var writeErr error
	for _, f := range seg.frames {
		if _, err := stdin.Write(f.data); err != nil {
			writeErr = err
			break
		}
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", codec.encoder, err, stderrTail(&stderr))
	}
	if writeErr != nil {
		return fmt.Errorf("ffmpeg %s: pipe closed early: %w", codec.encoder, writeErr)
	}
	return nil
}

// encodeArgs builds the ffmpeg invocation: JPEG frames on stdin at the
// container frame rate, re-encoded with the chosen codec.
func encodeArgs(codec codecChoice, fps int, path string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(fps),
		"-c:v", "mjpeg",
		"-i", "-",
		"-c:v", codec.encoder,
	}
	switch codec.encoder {
	case "libx264":
		args = append(args, "-preset", "veryfast", "-crf", "23", "-pix_fmt", "yuv420p")
	case "mjpeg":
		args = append(args, "-q:v", "5", "-pix_fmt", "yuvj420p")
	default:
		args = append(args, "-q:v", "5", "-pix_fmt", "yuv420p")
	}
	return append(args, "-movflags", "+faststart", path)
}

// Concat stream-copies files (in the given order) into outPath using the
// concat demuxer. All inputs must share the writer's codec settings.
func (w *VideoWriter) Concat(ctx context.Context, files []string, outPath string) error {
	if len(files) == 0 {
		return errEmptySegment
	}

	list, err := os.CreateTemp(filepath.Dir(outPath), "concat_*.txt")
	if err != nil {
		return fmt.Errorf("concat list: %w", err)
	}
	defer os.Remove(list.Name())

	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		fmt.Fprintf(list, "file '%s'\n", abs)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("concat list: %w", err)
	}

	// Output format is pinned so temp files without an .mp4 suffix work.
	cmd := exec.CommandContext(ctx, w.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("ffmpeg concat: %w: %s", err, stderrTail(&stderr))
	}
	return nil
}

// ProbeDuration asks ffprobe for the container duration of a file.
func (w *VideoWriter) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, w.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w: %s", err, stderrTail(&stderr))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if len(s) > stderrTailBytes {
		s = "..." + s[len(s)-stderrTailBytes:]
	}
	return s
}

// encodeForRecording scales a frame to the recording resolution and
// JPEG-encodes it for segment storage.
func encodeForRecording(img *image.RGBA) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() != outputWidth || b.Dy() != outputHeight {
		scaled := image.NewRGBA(image.Rect(0, 0, outputWidth, outputHeight))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)
		img = scaled
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: recordQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
