package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jbang2004/waveshift/pkg/objectstore"
)

// FFmpegDemuxer separates media with the ffmpeg binary. It downloads the
// original object to a scratch directory, remuxes the tracks without
// re-encoding, and uploads the results. Audio-only inputs produce no video
// object.
type FFmpegDemuxer struct {
	blobs  objectstore.Store
	binary string
	log    *slog.Logger
}

// FFmpegOption customises an [FFmpegDemuxer].
type FFmpegOption func(*FFmpegDemuxer)

// WithFFmpegBinary overrides the ffmpeg executable path. Defaults to
// "ffmpeg" resolved via PATH.
func WithFFmpegBinary(path string) FFmpegOption {
	return func(d *FFmpegDemuxer) { d.binary = path }
}

// WithFFmpegLogger sets the logger.
func WithFFmpegLogger(log *slog.Logger) FFmpegOption {
	return func(d *FFmpegDemuxer) { d.log = log }
}

// NewFFmpegDemuxer creates a demuxer backed by the ffmpeg CLI.
func NewFFmpegDemuxer(blobs objectstore.Store, opts ...FFmpegOption) *FFmpegDemuxer {
	d := &FFmpegDemuxer{
		blobs:  blobs,
		binary: "ffmpeg",
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ Demuxer = (*FFmpegDemuxer)(nil)

// audioOnlyExts are container formats that carry no video track; for these
// the demuxer transcodes straight to AAC and skips the video pass.
var audioOnlyExts = map[string]bool{
	".aac": true, ".mp3": true, ".wav": true, ".flac": true,
	".m4a": true, ".ogg": true, ".opus": true,
}

// Demux splits req.OriginalKey into separated tracks at req.AudioKey and
// req.VideoKey. The result's VideoKey is empty when the input has no video.
func (d *FFmpegDemuxer) Demux(ctx context.Context, req DemuxRequest) (DemuxResult, error) {
	src, err := d.blobs.Get(ctx, req.OriginalKey)
	if err != nil {
		return DemuxResult{}, fmt.Errorf("workflow: demux %s: %w", req.OriginalKey, err)
	}

	dir, err := os.MkdirTemp("", "waveshift-demux-*")
	if err != nil {
		return DemuxResult{}, fmt.Errorf("workflow: demux scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := filepath.Ext(req.OriginalKey)
	input := filepath.Join(dir, "original"+ext)
	if err := os.WriteFile(input, src, 0o600); err != nil {
		return DemuxResult{}, fmt.Errorf("workflow: demux write input: %w", err)
	}

	audioOut := filepath.Join(dir, "audio.aac")
	if err := d.runFFmpeg(ctx, audioArgs(input, audioOut)); err != nil {
		return DemuxResult{}, fmt.Errorf("workflow: demux audio track: %w", err)
	}
	if err := d.upload(ctx, audioOut, req.AudioKey, "audio/aac"); err != nil {
		return DemuxResult{}, err
	}

	waveOut := filepath.Join(dir, "audio.wav")
	if err := d.runFFmpeg(ctx, waveArgs(input, waveOut)); err != nil {
		return DemuxResult{}, fmt.Errorf("workflow: demux pcm track: %w", err)
	}
	if err := d.upload(ctx, waveOut, req.WaveKey, "audio/wav"); err != nil {
		return DemuxResult{}, err
	}
	res := DemuxResult{AudioKey: req.AudioKey, WaveKey: req.WaveKey}

	if audioOnlyExts[strings.ToLower(ext)] {
		d.log.Debug("audio-only input, skipping video pass", "key", req.OriginalKey)
		return res, nil
	}

	videoOut := filepath.Join(dir, "video.mp4")
	if err := d.runFFmpeg(ctx, videoArgs(input, videoOut)); err != nil {
		return DemuxResult{}, fmt.Errorf("workflow: demux video track: %w", err)
	}
	if err := d.upload(ctx, videoOut, req.VideoKey, "video/mp4"); err != nil {
		return DemuxResult{}, err
	}
	res.VideoKey = req.VideoKey
	return res, nil
}

// audioArgs extracts the audio track as AAC. Sources already carrying AAC
// are stream-copied by ffmpeg's aac muxer only when compatible; transcoding
// keeps the output uniform.
func audioArgs(input, output string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", input,
		"-vn", "-c:a", "aac", "-b:a", "128k",
		output,
	}
}

// waveArgs renders the audio track as 16-bit PCM WAV at the source sample
// rate, the format the clip slicer consumes.
func waveArgs(input, output string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", input,
		"-vn", "-c:a", "pcm_s16le",
		output,
	}
}

// videoArgs strips the audio track and stream-copies the video.
func videoArgs(input, output string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", input,
		"-an", "-c:v", "copy",
		output,
	}
}

func (d *FFmpegDemuxer) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", d.binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *FFmpegDemuxer) upload(ctx context.Context, path, key, contentType string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("workflow: demux read %s: %w", filepath.Base(path), err)
	}
	if err := d.blobs.Put(ctx, key, data, contentType); err != nil {
		return fmt.Errorf("workflow: demux upload %s: %w", key, err)
	}
	return nil
}
