package segmenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/observe"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/transcribe"
	"github.com/jbang2004/waveshift/pkg/audio"
	"github.com/jbang2004/waveshift/pkg/objectstore"
)

// ErrWatchTimeout is returned when a watch exceeds its wall-clock ceiling
// before the transcript stream ends.
var ErrWatchTimeout = errors.New("segmenter: watch timed out")

const preloadAttempts = 3

// TranscriptSource is the slice of the transcript store the driver needs.
// *store.TranscriptStore satisfies it.
type TranscriptSource interface {
	SelectAfter(ctx context.Context, transcriptionID string, minSequence int64, limit int) ([]store.Segment, error)
	GetTranscription(ctx context.Context, id string) (*store.Transcription, error)
	UpdateAudioKey(ctx context.Context, transcriptionID string, sequences []int64, key string) error
}

// ClipFunc assembles one audio artifact from source audio spans. The default
// is [audio.Clip].
type ClipFunc func(wav []byte, ranges []audio.TimeRange, gapMS int64) ([]byte, error)

// Driver runs the segmenter for one transcription at a time. A single Driver
// is safe for concurrent Watch calls; all per-job state lives in the call.
type Driver struct {
	source TranscriptSource
	blobs  objectstore.Store

	settings     Settings
	batchSize    int
	pollInterval time.Duration
	busyInterval time.Duration
	startDelay   time.Duration
	watchTimeout time.Duration
	retryDelay   time.Duration

	clip    ClipFunc
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option customises a [Driver].
type Option func(*Driver)

// WithClipFunc replaces the clip assembly function.
func WithClipFunc(fn ClipFunc) Option {
	return func(d *Driver) { d.clip = fn }
}

// WithRetryDelay sets the base delay of the audio preload retry backoff.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Driver) { d.retryDelay = delay }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithLogger sets the logger used by the driver.
func WithLogger(log *slog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// NewDriver creates a segmenter driver over the transcript store and object
// store.
func NewDriver(source TranscriptSource, blobs objectstore.Store, cfg config.SegmenterConfig, opts ...Option) *Driver {
	d := &Driver{
		source:       source,
		blobs:        blobs,
		settings:     SettingsFrom(cfg),
		batchSize:    cfg.BatchSize,
		pollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		busyInterval: time.Duration(cfg.BusyPollIntervalMS) * time.Millisecond,
		startDelay:   time.Duration(cfg.StartDelayMS) * time.Millisecond,
		watchTimeout: time.Duration(cfg.WatchTimeoutMS) * time.Millisecond,
		retryDelay:   time.Second,
		clip:         audio.Clip,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// WatchRequest names the inputs of one segmenter run.
type WatchRequest struct {
	AudioKey        string
	TranscriptionID string
	OutputPrefix    string
	TaskID          string
}

// Stats summarises a finished watch.
type Stats struct {
	TotalPolls     int
	TotalSentences int
	Duration       time.Duration
}

// WatchResult reports the clips produced by a watch and which rows each one
// covers.
type WatchResult struct {
	// SegmentCount is the number of clips produced.
	SegmentCount int

	// SentenceToSegment maps each covered row's sequence to the ID of the
	// clip whose URL was written to its audio_key column.
	SentenceToSegment map[int64]string

	Stats Stats
}

// watchState is the per-call mutable state of one watch.
type watchState struct {
	req     WatchRequest
	blob    []byte
	active  map[string]*accumulator
	current *accumulator
	result  *WatchResult
}

// Watch preloads the source audio, polls the transcript store until the
// stream ends, and produces clips. It returns once every accumulator has been
// finalized. Already-produced clips survive an error; the returned result is
// valid either way.
func (d *Driver) Watch(ctx context.Context, req WatchRequest) (*WatchResult, error) {
	start := time.Now()
	log := d.log.With("transcription", req.TranscriptionID, "task", req.TaskID)

	blob, err := d.preload(ctx, req.AudioKey)
	if err != nil {
		return nil, err
	}
	log.Info("segmenter started", "audio_key", req.AudioKey, "audio_bytes", len(blob))

	w := &watchState{
		req:    req,
		blob:   blob,
		active: make(map[string]*accumulator),
		result: &WatchResult{SentenceToSegment: make(map[int64]string)},
	}

	if err := sleepCtx(ctx, d.startDelay); err != nil {
		return w.result, err
	}

	deadline := start.Add(d.watchTimeout)
	var lastSeen int64
	var loopErr error

poll:
	for {
		if time.Now().After(deadline) {
			loopErr = ErrWatchTimeout
			break
		}

		rows, err := d.source.SelectAfter(ctx, req.TranscriptionID, lastSeen, d.batchSize)
		if err != nil {
			loopErr = err
			break
		}
		w.result.Stats.TotalPolls++

		sawLast := false
		if len(rows) > 0 {
			if err := d.processBatch(ctx, w, rows); err != nil {
				loopErr = err
				break
			}
			for _, row := range rows {
				if row.Sequence > lastSeen {
					lastSeen = row.Sequence
				}
				if row.IsLast {
					sawLast = true
				}
			}
		}
		if sawLast {
			break
		}

		// The stream may have ended without an is_last row in this window,
		// e.g. when the final rows were consumed in an earlier batch.
		tr, err := d.source.GetTranscription(ctx, req.TranscriptionID)
		switch {
		case err == nil:
			if tr.Finished() && lastSeen >= tr.TotalSegments {
				break poll
			}
		case !errors.Is(err, store.ErrNotFound):
			loopErr = err
			break poll
		}

		delay := d.pollInterval
		if len(rows) > 0 {
			delay = d.busyInterval
		}
		if err := sleepCtx(ctx, delay); err != nil {
			loopErr = err
			break
		}
	}

	if err := d.sweep(ctx, w); err != nil && loopErr == nil {
		loopErr = err
	}

	w.result.Stats.Duration = time.Since(start)
	log.Info("segmenter finished",
		"clips", w.result.SegmentCount,
		"sentences", w.result.Stats.TotalSentences,
		"polls", w.result.Stats.TotalPolls,
		"duration", w.result.Stats.Duration,
	)
	if loopErr != nil {
		return w.result, fmt.Errorf("segmenter: watch %s: %w", req.TranscriptionID, loopErr)
	}
	return w.result, nil
}

// preload fetches the source audio with bounded retry and linear backoff.
func (d *Driver) preload(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= preloadAttempts; attempt++ {
		blob, err := d.blobs.Get(ctx, key)
		if err == nil {
			return blob, nil
		}
		lastErr = err
		d.log.Warn("audio preload failed", "key", key, "attempt", attempt, "error", err)
		if attempt < preloadAttempts {
			if err := sleepCtx(ctx, time.Duration(attempt)*d.retryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("segmenter: preload %q: %w", key, lastErr)
}

// processBatch feeds one poll batch through the accumulators.
func (d *Driver) processBatch(ctx context.Context, w *watchState, rows []store.Segment) error {
	// Accumulators left over from earlier batches are flushed when the batch
	// opens with a different speaker.
	first := rows[0].Speaker
	for speaker, acc := range w.active {
		if speaker == first {
			continue
		}
		if err := d.finalize(ctx, w, acc); err != nil {
			return err
		}
		delete(w.active, speaker)
	}

	for _, row := range rows {
		if !transcribe.ContentType(row.ContentType).IsSpeech() {
			continue
		}
		w.result.Stats.TotalSentences++

		if w.current != nil && w.current.speaker != row.Speaker {
			old := w.current
			if err := d.finalize(ctx, w, old); err != nil {
				return err
			}
			delete(w.active, old.speaker)
		}

		acc := w.active[row.Speaker]
		if acc == nil {
			acc = newAccumulator(row)
			w.active[row.Speaker] = acc
			w.current = acc
			if err := d.checkCeiling(ctx, w, acc); err != nil {
				return err
			}
			continue
		}
		w.current = acc

		if acc.state == StateReusing {
			acc.addReused(row)
			continue
		}
		acc.add(row, d.settings.GapThresholdMS)
		if err := d.checkCeiling(ctx, w, acc); err != nil {
			return err
		}
	}
	return nil
}

// checkCeiling dispatches a clip once the accumulator reaches the duration
// ceiling and flips it to reuse.
func (d *Driver) checkCeiling(ctx context.Context, w *watchState, acc *accumulator) error {
	if acc.inQueue || acc.state != StateAccumulating {
		return nil
	}
	if acc.totalDurationMS(d.settings.GapDurationMS) < d.settings.MaxDurationMS {
		return nil
	}
	acc.inQueue = true
	ok, err := d.dispatchClip(ctx, w, acc)
	acc.inQueue = false
	if err != nil {
		return err
	}
	if !ok {
		// Clip assembly failed; the accumulator is abandoned and its rows
		// keep a null audio_key.
		d.drop(w, acc)
		return nil
	}
	acc.state = StateReusing
	return nil
}

// finalize closes an accumulator on speaker change or stream end.
func (d *Driver) finalize(ctx context.Context, w *watchState, acc *accumulator) error {
	if w.current == acc {
		w.current = nil
	}
	switch acc.state {
	case StateAccumulating:
		if acc.inQueue {
			return nil
		}
		if acc.totalDurationMS(d.settings.GapDurationMS) < d.settings.MinDurationMS {
			d.log.Debug("discarding accumulator below duration floor",
				"speaker", acc.speaker,
				"segment", acc.segmentID(),
				"duration_ms", acc.totalDurationMS(d.settings.GapDurationMS),
			)
			d.metrics.RecordClip(ctx, "discarded")
			return nil
		}
		_, err := d.dispatchClip(ctx, w, acc)
		return err

	case StateReusing:
		if len(acc.reused) == 0 {
			return nil
		}
		return d.dispatchReuse(ctx, w, acc)
	}
	return nil
}

// dispatchClip assembles, uploads, and records one clip. A clip assembly
// failure is logged and reported as ok=false; transport failures are returned
// as errors.
func (d *Driver) dispatchClip(ctx context.Context, w *watchState, acc *accumulator) (bool, error) {
	key := acc.clipKey(w.req.OutputPrefix)
	data, err := d.clip(w.blob, acc.timeRanges, d.settings.GapDurationMS)
	if err != nil {
		d.log.Error("clip assembly failed, skipping accumulator",
			"speaker", acc.speaker,
			"segment", acc.segmentID(),
			"error", err,
		)
		d.metrics.RecordClip(ctx, "skipped")
		return false, nil
	}

	if err := d.blobs.Put(ctx, key, data, "audio/wav"); err != nil {
		return false, err
	}
	url := d.blobs.PublicURL(key)

	seqs := acc.sequences()
	if err := d.source.UpdateAudioKey(ctx, w.req.TranscriptionID, seqs, url); err != nil {
		return false, err
	}
	for _, seq := range seqs {
		w.result.SentenceToSegment[seq] = acc.segmentID()
	}
	acc.audioKey = url
	acc.pending = nil
	acc.reused = nil
	w.result.SegmentCount++
	d.metrics.RecordClip(ctx, "produced")

	d.log.Debug("clip produced", "key", key, "rows", len(seqs))
	return true, nil
}

// dispatchReuse writes the accumulator's existing clip URL onto its reused
// rows without producing a new clip.
func (d *Driver) dispatchReuse(ctx context.Context, w *watchState, acc *accumulator) error {
	seqs := make([]int64, 0, len(acc.reused))
	for _, seg := range acc.reused {
		seqs = append(seqs, seg.Sequence)
	}
	if err := d.source.UpdateAudioKey(ctx, w.req.TranscriptionID, seqs, acc.audioKey); err != nil {
		return err
	}
	for _, seq := range seqs {
		w.result.SentenceToSegment[seq] = acc.segmentID()
	}
	acc.reused = nil
	d.metrics.RecordClip(ctx, "reused")
	d.log.Debug("clip reused", "segment", acc.segmentID(), "rows", len(seqs))
	return nil
}

// sweep finalizes every still-active accumulator after the poll loop exits.
func (d *Driver) sweep(ctx context.Context, w *watchState) error {
	for speaker, acc := range w.active {
		if err := d.finalize(ctx, w, acc); err != nil {
			return err
		}
		delete(w.active, speaker)
	}
	return nil
}

func (d *Driver) drop(w *watchState, acc *accumulator) {
	delete(w.active, acc.speaker)
	if w.current == acc {
		w.current = nil
	}
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
