package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/transcribe"
)

// memWriter collects written rows in memory.
type memWriter struct {
	rows      []store.Segment
	lastSeq   int64
	total     int64
	procMS    int64
	finished  bool
	insertErr error
}

func (w *memWriter) InsertSegment(_ context.Context, seg *store.Segment) error {
	if w.insertErr != nil {
		return w.insertErr
	}
	w.rows = append(w.rows, *seg)
	return nil
}

func (w *memWriter) MarkLast(_ context.Context, _ string, sequence int64) error {
	w.lastSeq = sequence
	for i := range w.rows {
		if w.rows[i].Sequence == sequence {
			w.rows[i].IsLast = true
		}
	}
	return nil
}

func (w *memWriter) FinishTranscription(_ context.Context, _ string, total, processingMS int64) error {
	w.total = total
	w.procMS = processingMS
	w.finished = true
	return nil
}

func speech(seq, startMS, endMS int64, speaker, original string) transcribe.RawSegment {
	return transcribe.RawSegment{
		Sequence:    seq,
		StartMS:     startMS,
		EndMS:       endMS,
		ContentType: transcribe.ContentSpeech,
		Speaker:     speaker,
		Original:    original,
		Translation: original,
	}
}

func run(t *testing.T, lang config.TargetLanguage, segs ...transcribe.RawSegment) *memWriter {
	t.Helper()
	w := &memWriter{}
	e := NewEngine(w, "tr-1", lang)
	for _, seg := range segs {
		if err := e.Ingest(context.Background(), seg); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if _, err := e.Finish(context.Background(), 1234); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return w
}

func TestTwoSentenceMerge(t *testing.T) {
	t.Parallel()

	w := run(t, config.LanguageEnglish,
		speech(1, 0, 2000, "A", "Hi."),
		speech(2, 2500, 4000, "A", "There."),
	)

	if len(w.rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(w.rows))
	}
	got := w.rows[0]
	if got.Sequence != 1 || got.StartMS != 0 || got.EndMS != 4000 || got.Speaker != "A" {
		t.Errorf("row: got %+v", got)
	}
	if got.Original != "Hi. There." {
		t.Errorf("original: want %q, got %q", "Hi. There.", got.Original)
	}
	if !got.IsFirst || !got.IsLast {
		t.Errorf("flags: got first=%v last=%v", got.IsFirst, got.IsLast)
	}
	if w.total != 1 {
		t.Errorf("total segments: want 1, got %d", w.total)
	}
}

func TestSpeakerChangePreventsMerge(t *testing.T) {
	t.Parallel()

	w := run(t, config.LanguageEnglish,
		speech(1, 0, 2000, "A", "Hi."),
		speech(2, 2500, 4000, "B", "There."),
	)

	if len(w.rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(w.rows))
	}
	first, second := w.rows[0], w.rows[1]
	if first.Sequence != 1 || first.EndMS != 2000 || first.Speaker != "A" || !first.IsFirst {
		t.Errorf("row 1: got %+v", first)
	}
	if second.Sequence != 2 || second.StartMS != 2500 || second.Speaker != "B" || !second.IsLast {
		t.Errorf("row 2: got %+v", second)
	}
}

func TestGapPreventsMerge(t *testing.T) {
	t.Parallel()

	w := run(t, config.LanguageEnglish,
		speech(1, 0, 2000, "A", "Hi."),
		speech(2, 3001, 4000, "A", "There."),
	)

	if len(w.rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(w.rows))
	}
}

// All gaps above the merge threshold yield one output row per input row with
// identical content.
func TestLargeGapsPreserveRows(t *testing.T) {
	t.Parallel()

	var input []transcribe.RawSegment
	for i := int64(0); i < 5; i++ {
		start := i * 4000
		input = append(input, speech(i+1, start, start+2000, "A", fmt.Sprintf("row %d", i+1)))
	}
	w := run(t, config.LanguageEnglish, input...)

	if len(w.rows) != len(input) {
		t.Fatalf("want %d rows, got %d", len(input), len(w.rows))
	}
	for i, got := range w.rows {
		in := input[i]
		if got.Sequence != int64(i+1) {
			t.Errorf("row %d: want dense sequence %d, got %d", i, i+1, got.Sequence)
		}
		if got.StartMS != in.StartMS || got.EndMS != in.EndMS || got.Original != in.Original {
			t.Errorf("row %d: content changed: got %+v", i, got)
		}
	}
}

func TestLongPiecesDoNotMerge(t *testing.T) {
	t.Parallel()

	// Both pieces are at least 5 s long, so they stay separate even though
	// the speaker matches and the gap is zero.
	w := run(t, config.LanguageEnglish,
		speech(1, 0, 5000, "A", "one"),
		speech(2, 5000, 10000, "A", "two"),
	)
	if len(w.rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(w.rows))
	}
}

func TestCombinedSpanCeiling(t *testing.T) {
	t.Parallel()

	// Second piece is short, but merging would span 11 s.
	w := run(t, config.LanguageEnglish,
		speech(1, 0, 9000, "A", "one"),
		speech(2, 9100, 11000, "A", "two"),
	)
	if len(w.rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(w.rows))
	}
}

func TestChineseConcatenation(t *testing.T) {
	t.Parallel()

	w := run(t, config.LanguageChinese,
		speech(1, 0, 2000, "A", "你好"),
		speech(2, 2100, 4000, "A", "世界"),
	)
	if len(w.rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(w.rows))
	}
	if w.rows[0].Original != "你好世界" {
		t.Errorf("original: want %q, got %q", "你好世界", w.rows[0].Original)
	}
}

func TestNonSpeechFlushesAndDrops(t *testing.T) {
	t.Parallel()

	noise := transcribe.RawSegment{
		Sequence:    2,
		StartMS:     2100,
		EndMS:       2600,
		ContentType: transcribe.ContentNonHuman,
		Speaker:     "N/A",
	}
	w := run(t, config.LanguageEnglish,
		speech(1, 0, 2000, "A", "Hi."),
		noise,
		speech(3, 2700, 4000, "A", "There."),
	)

	// The noise row closes the open group, so the two speech rows cannot
	// merge, and the noise itself never reaches the store.
	if len(w.rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(w.rows))
	}
	for _, row := range w.rows {
		if row.ContentType != string(transcribe.ContentSpeech) {
			t.Errorf("non-speech row persisted: %+v", row)
		}
	}
}

func TestInvertedSpanRejected(t *testing.T) {
	t.Parallel()

	w := run(t, config.LanguageEnglish,
		speech(1, 0, 2000, "A", "Hi."),
		speech(2, 5000, 3000, "A", "broken"),
		speech(3, 2100, 3500, "A", "There."),
	)

	if len(w.rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(w.rows))
	}
	if w.rows[0].Original != "Hi. There." {
		t.Errorf("original: got %q", w.rows[0].Original)
	}
}

func TestEmptyStream(t *testing.T) {
	t.Parallel()

	w := &memWriter{}
	e := NewEngine(w, "tr-1", config.LanguageEnglish)
	total, err := e.Finish(context.Background(), 10)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if total != 0 || len(w.rows) != 0 {
		t.Fatalf("want no rows, got total=%d rows=%d", total, len(w.rows))
	}
	if w.lastSeq != 0 {
		t.Error("MarkLast must not run on an empty transcription")
	}
	if !w.finished {
		t.Error("transcription totals must still be recorded")
	}
}

func TestFinishMarksLastAndTotals(t *testing.T) {
	t.Parallel()

	w := run(t, config.LanguageEnglish,
		speech(1, 0, 2000, "A", "Hi."),
		speech(2, 5000, 6000, "B", "There."),
	)
	if w.lastSeq != 2 {
		t.Errorf("last sequence: want 2, got %d", w.lastSeq)
	}
	if w.total != 2 || w.procMS != 1234 {
		t.Errorf("totals: got total=%d processing=%d", w.total, w.procMS)
	}
}

func TestStorageErrorAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	w := &memWriter{insertErr: boom}
	e := NewEngine(w, "tr-1", config.LanguageEnglish)
	if err := e.Ingest(context.Background(), speech(1, 0, 2000, "A", "Hi.")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	err := e.Ingest(context.Background(), speech(2, 5000, 6000, "B", "There."))
	if !errors.Is(err, boom) {
		t.Fatalf("want storage error to propagate, got %v", err)
	}
}
