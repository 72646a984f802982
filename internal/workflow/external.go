package workflow

import (
	"context"
	"fmt"
	"time"
)

// External collaborators. The pipeline only depends on these contracts; the
// implementations live in separate services.

// Uploader issues pre-signed URLs so browsers can push original media to the
// object store without routing bytes through this service.
type Uploader interface {
	// PresignUpload returns a URL that accepts a single PUT of the object at
	// key until expiry.
	PresignUpload(ctx context.Context, key, contentType string, expiry time.Duration) (string, error)
}

// Demuxer splits an uploaded media file into its audio and video tracks,
// writing each to the object store at the requested key.
type Demuxer interface {
	Demux(ctx context.Context, req DemuxRequest) (DemuxResult, error)
}

// DemuxRequest names the input object and the destination keys for the
// separated tracks. WaveKey receives a 16-bit PCM WAV rendition of the audio
// track; the clip slicer operates on raw PCM, not on the compressed track.
type DemuxRequest struct {
	OriginalKey string
	AudioKey    string
	WaveKey     string
	VideoKey    string
}

// DemuxResult reports the produced tracks. VideoKey is empty for audio-only
// inputs.
type DemuxResult struct {
	AudioKey string
	WaveKey  string
	VideoKey string
}

// Synthesizer voices a finished transcript. It runs downstream of this
// pipeline and reads the transcript rows and clips it produced.
type Synthesizer interface {
	Synthesize(ctx context.Context, transcriptionID, outputPrefix string) error
}

// ── Object-store key conventions ──────────────────────────────────────────────

// OriginalKey is where the uploaded media lives.
func OriginalKey(userID, taskID, ext string) string {
	return fmt.Sprintf("users/%s/%s/original.%s", userID, taskID, ext)
}

// AudioKey is where the demuxer writes the separated audio track.
func AudioKey(userID, taskID string) string {
	return fmt.Sprintf("users/%s/%s/audio.aac", userID, taskID)
}

// WaveKey is where the demuxer writes the PCM rendition consumed by the
// segmenter.
func WaveKey(userID, taskID string) string {
	return fmt.Sprintf("users/%s/%s/audio.wav", userID, taskID)
}

// VideoKey is where the demuxer writes the separated video track.
func VideoKey(userID, taskID string) string {
	return fmt.Sprintf("users/%s/%s/video.mp4", userID, taskID)
}

// ClipPrefix is the directory the segmenter writes per-utterance clips under.
func ClipPrefix(userID, taskID string) string {
	return fmt.Sprintf("users/%s/%s/audio-segments", userID, taskID)
}
