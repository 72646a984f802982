// Package workflow orchestrates one media translation job end to end: demux,
// streaming transcription with realtime merging, and concurrent audio
// segmentation.
package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/merge"
	"github.com/jbang2004/waveshift/internal/observe"
	"github.com/jbang2004/waveshift/internal/segmenter"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/transcribe"
	"github.com/jbang2004/waveshift/pkg/objectstore"
)

// JobStore is the slice of the transcript store the workflow needs.
// *store.TranscriptStore satisfies it.
type JobStore interface {
	UpdateTaskStatus(ctx context.Context, id string, status store.TaskStatus, progress int) error
	FailTask(ctx context.Context, id, errMsg string) error
	CreateTranscription(ctx context.Context, tr *store.Transcription) error

	merge.SegmentWriter
}

// Transcriber is the streaming model call. *transcribe.Client satisfies it.
type Transcriber interface {
	Stream(ctx context.Context, audio io.Reader, fileName string, opts transcribe.StreamOptions, fn transcribe.SegmentFunc) (transcribe.StreamSummary, error)
}

// Watcher runs the segmenter for one transcription. *segmenter.Driver
// satisfies it.
type Watcher interface {
	Watch(ctx context.Context, req segmenter.WatchRequest) (*segmenter.WatchResult, error)
}

// Workflow runs media translation jobs. Safe for concurrent use; all per-job
// state is local to Run.
type Workflow struct {
	store     JobStore
	blobs     objectstore.Store
	model     Transcriber
	demuxer   Demuxer
	segmenter Watcher

	metrics *observe.Metrics
	log     *slog.Logger
}

// Option customises a [Workflow].
type Option func(*Workflow)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Workflow) { w.log = log }
}

// New creates a workflow over the given collaborators.
func New(js JobStore, blobs objectstore.Store, model Transcriber, demuxer Demuxer, seg Watcher, opts ...Option) *Workflow {
	w := &Workflow{
		store:     js,
		blobs:     blobs,
		model:     model,
		demuxer:   demuxer,
		segmenter: seg,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Options carries the per-job translation settings.
type Options struct {
	TargetLanguage config.TargetLanguage
	Style          config.TranslationStyle
}

// Job identifies one media translation run.
type Job struct {
	TaskID      string
	UserID      string
	OriginalKey string
	FileType    string
	Options     Options
}

// Result reports a completed job.
type Result struct {
	TranscriptionID    string
	TotalSegments      int64
	TranscribeDuration time.Duration
	SegmentDuration    time.Duration
	Segmenter          *segmenter.WatchResult
}

// Run executes the job and returns once both the transcript producer and the
// segmenter have finished. On failure the task row is marked failed with the
// error message; rows and clips already persisted are left in place.
func (w *Workflow) Run(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()
	log := w.log.With("task", job.TaskID)
	w.metrics.ActiveJobs.Add(ctx, 1)
	defer w.metrics.ActiveJobs.Add(ctx, -1)

	res, err := w.run(ctx, job, log)

	w.metrics.JobDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		w.metrics.RecordJob(ctx, "failed")
		log.Error("job failed", "error", err)
		if failErr := w.store.FailTask(ctx, job.TaskID, err.Error()); failErr != nil {
			log.Error("recording task failure", "error", failErr)
		}
		return res, err
	}
	w.metrics.RecordJob(ctx, "completed")
	log.Info("job completed",
		"transcription", res.TranscriptionID,
		"segments", res.TotalSegments,
		"transcribe_duration", res.TranscribeDuration,
		"segment_duration", res.SegmentDuration,
	)
	return res, nil
}

func (w *Workflow) run(ctx context.Context, job Job, log *slog.Logger) (*Result, error) {
	// Step 1: split the original into audio and video tracks.
	if err := w.store.UpdateTaskStatus(ctx, job.TaskID, store.TaskSeparating, 20); err != nil {
		return nil, err
	}
	demux, err := w.demuxer.Demux(ctx, DemuxRequest{
		OriginalKey: job.OriginalKey,
		AudioKey:    AudioKey(job.UserID, job.TaskID),
		WaveKey:     WaveKey(job.UserID, job.TaskID),
		VideoKey:    VideoKey(job.UserID, job.TaskID),
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: demux %s: %w", job.OriginalKey, err)
	}

	// Step 2: open the transcription.
	if err := w.store.UpdateTaskStatus(ctx, job.TaskID, store.TaskTranscribing, 40); err != nil {
		return nil, err
	}
	tr := &store.Transcription{
		ID:             uuid.NewString(),
		TaskID:         job.TaskID,
		TargetLanguage: string(job.Options.TargetLanguage),
		Style:          string(job.Options.Style),
	}
	if err := w.store.CreateTranscription(ctx, tr); err != nil {
		return nil, err
	}

	// Step 3: run the transcript producer and the segmenter concurrently.
	// A producer failure cancels the segmenter; a segmenter failure leaves
	// the producer running so the transcript still lands in full.
	segCtx, cancelSeg := context.WithCancel(ctx)
	defer cancelSeg()

	res := &Result{TranscriptionID: tr.ID}
	var (
		wg            sync.WaitGroup
		transcribeErr error
		segErr        error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		res.TotalSegments, transcribeErr = w.transcribe(ctx, job, demux.AudioKey, tr.ID)
		res.TranscribeDuration = time.Since(start)
		w.metrics.TranscribeDuration.Record(ctx, res.TranscribeDuration.Seconds())
		if transcribeErr != nil {
			w.metrics.RecordModelRequest(ctx, "error")
			cancelSeg()
			return
		}
		w.metrics.RecordModelRequest(ctx, "ok")
		w.metrics.RecordMergedSegments(ctx, res.TotalSegments, string(job.Options.TargetLanguage))
	}()
	go func() {
		defer wg.Done()
		w.metrics.ActiveWatches.Add(ctx, 1)
		defer w.metrics.ActiveWatches.Add(ctx, -1)
		start := time.Now()
		// The segmenter slices the PCM rendition, not the compressed track.
		res.Segmenter, segErr = w.segmenter.Watch(segCtx, segmenter.WatchRequest{
			AudioKey:        demux.WaveKey,
			TranscriptionID: tr.ID,
			OutputPrefix:    ClipPrefix(job.UserID, job.TaskID),
			TaskID:          job.TaskID,
		})
		res.SegmentDuration = time.Since(start)
		w.metrics.SegmenterDuration.Record(ctx, res.SegmentDuration.Seconds())
	}()
	wg.Wait()

	if transcribeErr != nil {
		return res, transcribeErr
	}
	if segErr != nil {
		return res, fmt.Errorf("workflow: segmenter: %w", segErr)
	}

	// Step 4: done.
	if err := w.store.UpdateTaskStatus(ctx, job.TaskID, store.TaskCompleted, 100); err != nil {
		return res, err
	}
	log.Debug("pipeline finished",
		"transcription", tr.ID,
		"clips", res.Segmenter.SegmentCount,
	)
	return res, nil
}

// transcribe streams the separated audio track through the model and merges
// the resulting segments into durable rows.
func (w *Workflow) transcribe(ctx context.Context, job Job, audioKey, transcriptionID string) (int64, error) {
	blob, err := w.blobs.Get(ctx, audioKey)
	if err != nil {
		return 0, fmt.Errorf("workflow: load audio %s: %w", audioKey, err)
	}

	engine := merge.NewEngine(w.store, transcriptionID, job.Options.TargetLanguage)
	start := time.Now()

	_, err = w.model.Stream(ctx, bytes.NewReader(blob), path.Base(audioKey), transcribe.StreamOptions{
		TargetLanguage: job.Options.TargetLanguage,
		Style:          job.Options.Style,
	}, func(seg transcribe.RawSegment) error {
		return engine.Ingest(ctx, seg)
	})
	if err != nil {
		return 0, fmt.Errorf("workflow: transcribe %s: %w", transcriptionID, err)
	}

	total, err := engine.Finish(ctx, time.Since(start).Milliseconds())
	if err != nil {
		return total, fmt.Errorf("workflow: finish transcription %s: %w", transcriptionID, err)
	}
	return total, nil
}
