package workflow

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/segmenter"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/transcribe"
	"github.com/jbang2004/waveshift/pkg/objectstore/mock"
)

// jobStore records every store interaction of a run.
type jobStore struct {
	mu           sync.Mutex
	statuses     []store.TaskStatus
	failMsg      string
	failed       bool
	created      *store.Transcription
	rows         []store.Segment
	lastSeq      int64
	totals       int64
	finished     bool
	statusErr    error
	createTrxErr error
}

func (s *jobStore) UpdateTaskStatus(_ context.Context, _ string, status store.TaskStatus, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *jobStore) FailTask(_ context.Context, _ string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	s.failMsg = msg
	return nil
}

func (s *jobStore) CreateTranscription(_ context.Context, tr *store.Transcription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createTrxErr != nil {
		return s.createTrxErr
	}
	s.created = tr
	return nil
}

func (s *jobStore) InsertSegment(_ context.Context, seg *store.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *seg)
	return nil
}

func (s *jobStore) MarkLast(_ context.Context, _ string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = sequence
	return nil
}

func (s *jobStore) FinishTranscription(_ context.Context, _ string, total, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals = total
	s.finished = true
	return nil
}

// fakeModel emits canned segments and then returns err.
type fakeModel struct {
	segments []transcribe.RawSegment
	err      error
	gotAudio []byte
	gotOpts  transcribe.StreamOptions
}

func (m *fakeModel) Stream(_ context.Context, audio io.Reader, _ string, opts transcribe.StreamOptions, fn transcribe.SegmentFunc) (transcribe.StreamSummary, error) {
	m.gotAudio, _ = io.ReadAll(audio)
	m.gotOpts = opts
	for _, seg := range m.segments {
		if err := fn(seg); err != nil {
			return transcribe.StreamSummary{}, err
		}
	}
	if m.err != nil {
		return transcribe.StreamSummary{}, m.err
	}
	return transcribe.StreamSummary{TotalSegments: int64(len(m.segments))}, nil
}

// fakeDemuxer echoes the requested keys.
type fakeDemuxer struct {
	got DemuxRequest
	err error
}

func (d *fakeDemuxer) Demux(_ context.Context, req DemuxRequest) (DemuxResult, error) {
	d.got = req
	if d.err != nil {
		return DemuxResult{}, d.err
	}
	return DemuxResult{AudioKey: req.AudioKey, WaveKey: req.WaveKey, VideoKey: req.VideoKey}, nil
}

// fakeWatcher returns a canned result, or blocks until cancellation when
// waitForCancel is set.
type fakeWatcher struct {
	got           segmenter.WatchRequest
	result        *segmenter.WatchResult
	err           error
	waitForCancel bool
}

func (f *fakeWatcher) Watch(ctx context.Context, req segmenter.WatchRequest) (*segmenter.WatchResult, error) {
	f.got = req
	if f.waitForCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &segmenter.WatchResult{SentenceToSegment: map[int64]string{}}, nil
	}
	return f.result, nil
}

func speechSeg(seq, startMS, endMS int64, speaker, text string) transcribe.RawSegment {
	return transcribe.RawSegment{
		Sequence:    seq,
		StartMS:     startMS,
		EndMS:       endMS,
		ContentType: transcribe.ContentSpeech,
		Speaker:     speaker,
		Original:    text,
	}
}

func testJob() Job {
	return Job{
		TaskID:      "task-1",
		UserID:      "u1",
		OriginalKey: "users/u1/task-1/original.mp4",
		FileType:    "mp4",
		Options: Options{
			TargetLanguage: config.LanguageEnglish,
			Style:          config.StyleNormal,
		},
	}
}

func newTestWorkflow(t *testing.T, js *jobStore, model Transcriber, dm Demuxer, watcher Watcher) *Workflow {
	t.Helper()
	blobs := mock.New()
	if err := blobs.Put(context.Background(), "users/u1/task-1/audio.aac", []byte("audio-bytes"), "audio/aac"); err != nil {
		t.Fatalf("seed audio: %v", err)
	}
	return New(js, blobs, model, dm, watcher)
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	js := &jobStore{}
	model := &fakeModel{segments: []transcribe.RawSegment{
		speechSeg(1, 0, 2000, "A", "Hi."),
		speechSeg(2, 5000, 7000, "B", "There."),
	}}
	dm := &fakeDemuxer{}
	watcher := &fakeWatcher{result: &segmenter.WatchResult{
		SegmentCount:      1,
		SentenceToSegment: map[int64]string{1: "sequence_0001"},
	}}
	w := newTestWorkflow(t, js, model, dm, watcher)

	res, err := w.Run(context.Background(), testJob())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	wantStatuses := []store.TaskStatus{store.TaskSeparating, store.TaskTranscribing, store.TaskCompleted}
	if len(js.statuses) != len(wantStatuses) {
		t.Fatalf("statuses: got %v", js.statuses)
	}
	for i, want := range wantStatuses {
		if js.statuses[i] != want {
			t.Errorf("status %d: want %s, got %s", i, want, js.statuses[i])
		}
	}
	if js.failed {
		t.Error("task must not be marked failed")
	}
	if js.created == nil || js.created.ID != res.TranscriptionID {
		t.Fatalf("transcription row: got %+v", js.created)
	}
	if string(model.gotAudio) != "audio-bytes" {
		t.Errorf("model audio: got %q", model.gotAudio)
	}
	if model.gotOpts.TargetLanguage != config.LanguageEnglish {
		t.Errorf("model opts: got %+v", model.gotOpts)
	}
	if dm.got.AudioKey != "users/u1/task-1/audio.aac" || dm.got.VideoKey != "users/u1/task-1/video.mp4" {
		t.Errorf("demux keys: got %+v", dm.got)
	}
	if dm.got.WaveKey != "users/u1/task-1/audio.wav" {
		t.Errorf("demux wave key: got %q", dm.got.WaveKey)
	}
	// The segmenter must slice the PCM rendition, never the AAC track.
	if watcher.got.AudioKey != "users/u1/task-1/audio.wav" {
		t.Errorf("segmenter audio key: got %q", watcher.got.AudioKey)
	}
	if watcher.got.OutputPrefix != "users/u1/task-1/audio-segments" {
		t.Errorf("clip prefix: got %q", watcher.got.OutputPrefix)
	}
	if watcher.got.TranscriptionID != res.TranscriptionID {
		t.Errorf("watch transcription: got %q", watcher.got.TranscriptionID)
	}
	if len(js.rows) != 2 || js.lastSeq != 2 || !js.finished || js.totals != 2 {
		t.Errorf("merged rows: rows=%d last=%d finished=%v totals=%d",
			len(js.rows), js.lastSeq, js.finished, js.totals)
	}
	if res.TotalSegments != 2 || res.Segmenter.SegmentCount != 1 {
		t.Errorf("result: %+v", res)
	}
}

func TestRunModelFailureCancelsSegmenter(t *testing.T) {
	t.Parallel()

	js := &jobStore{}
	model := &fakeModel{
		segments: []transcribe.RawSegment{
			speechSeg(1, 0, 2000, "A", "Hi."),
			speechSeg(2, 5000, 7000, "B", "There."),
		},
		err: errors.New("stream dropped"),
	}
	watcher := &fakeWatcher{waitForCancel: true}
	w := newTestWorkflow(t, js, model, &fakeDemuxer{}, watcher)

	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = w.Run(context.Background(), testJob())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish; segmenter was not cancelled")
	}
	if runErr == nil || !strings.Contains(runErr.Error(), "stream dropped") {
		t.Fatalf("want model error, got %v", runErr)
	}
	if !js.failed || !strings.Contains(js.failMsg, "stream dropped") {
		t.Errorf("task failure: failed=%v msg=%q", js.failed, js.failMsg)
	}
	// The row delivered before the drop stays persisted.
	if len(js.rows) != 1 {
		t.Errorf("want 1 surviving row, got %d", len(js.rows))
	}
}

func TestRunSegmenterFailureKeepsTranscript(t *testing.T) {
	t.Parallel()

	js := &jobStore{}
	model := &fakeModel{segments: []transcribe.RawSegment{
		speechSeg(1, 0, 2000, "A", "Hi."),
	}}
	watcher := &fakeWatcher{err: errors.New("preload failed")}
	w := newTestWorkflow(t, js, model, &fakeDemuxer{}, watcher)

	_, err := w.Run(context.Background(), testJob())
	if err == nil || !strings.Contains(err.Error(), "preload failed") {
		t.Fatalf("want segmenter error, got %v", err)
	}

	// The transcript producer was not aborted: the full transcript landed.
	if len(js.rows) != 1 || !js.finished {
		t.Errorf("transcript: rows=%d finished=%v", len(js.rows), js.finished)
	}
	if !js.failed {
		t.Error("task must be marked failed")
	}
}

func TestRunDemuxFailure(t *testing.T) {
	t.Parallel()

	js := &jobStore{}
	dm := &fakeDemuxer{err: errors.New("ffmpeg exited 1")}
	w := newTestWorkflow(t, js, &fakeModel{}, dm, &fakeWatcher{})

	_, err := w.Run(context.Background(), testJob())
	if err == nil {
		t.Fatal("want demux error")
	}
	if js.created != nil {
		t.Error("no transcription row must be created after a demux failure")
	}
	if !js.failed || !strings.Contains(js.failMsg, "ffmpeg") {
		t.Errorf("task failure: failed=%v msg=%q", js.failed, js.failMsg)
	}
}

func TestKeyConventions(t *testing.T) {
	t.Parallel()

	if got := OriginalKey("u1", "t1", "mp4"); got != "users/u1/t1/original.mp4" {
		t.Errorf("original key: %q", got)
	}
	if got := AudioKey("u1", "t1"); got != "users/u1/t1/audio.aac" {
		t.Errorf("audio key: %q", got)
	}
	if got := WaveKey("u1", "t1"); got != "users/u1/t1/audio.wav" {
		t.Errorf("wave key: %q", got)
	}
	if got := VideoKey("u1", "t1"); got != "users/u1/t1/video.mp4" {
		t.Errorf("video key: %q", got)
	}
	if got := ClipPrefix("u1", "t1"); got != "users/u1/t1/audio-segments" {
		t.Errorf("clip prefix: %q", got)
	}
}
