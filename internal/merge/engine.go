// Package merge folds the model's fragmentary transcript segments into
// coherent utterances and persists them with a dense sequence.
//
// The engine holds at most one open group at a time. Each incoming speech
// segment either extends the group (same speaker, small gap, short pieces,
// bounded combined span) or flushes it to the store and opens a new one.
// Non-speech segments flush the group and are themselves dropped: downstream
// consumers only ever see speech rows.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/transcribe"
)

// Merge predicates. A segment folds into the open group only when the
// speaker matches, the gap between them is at most maxGapMS, at least one of
// the two pieces is shorter than shortPieceMS, and the combined span stays
// within maxCombinedMS.
const (
	maxGapMS      = 1_000
	shortPieceMS  = 5_000
	maxCombinedMS = 10_000
)

// SegmentWriter is the slice of the transcript store the engine needs.
// *store.TranscriptStore satisfies it.
type SegmentWriter interface {
	InsertSegment(ctx context.Context, seg *store.Segment) error
	MarkLast(ctx context.Context, transcriptionID string, sequence int64) error
	FinishTranscription(ctx context.Context, id string, totalSegments, processingTimeMS int64) error
}

// Engine merges raw segments for one transcription. Not safe for concurrent
// use: the producing stream is serial by design, and each Ingest call runs to
// completion (including its store insert) before the next segment arrives.
type Engine struct {
	writer          SegmentWriter
	transcriptionID string
	separator       string

	seq      int64
	open     *group
	finished bool
}

// group is the single open merge buffer: a snapshot of its first segment
// plus the running end time and concatenated texts.
type group struct {
	startMS     int64
	endMS       int64
	speaker     string
	contentType transcribe.ContentType
	original    []string
	translation []string
}

// NewEngine creates a merge engine writing rows for transcriptionID.
// The target language decides how merged texts are joined: Chinese
// concatenates without a separator, everything else with a single space.
func NewEngine(writer SegmentWriter, transcriptionID string, lang config.TargetLanguage) *Engine {
	sep := " "
	if lang == config.LanguageChinese {
		sep = ""
	}
	return &Engine{
		writer:          writer,
		transcriptionID: transcriptionID,
		separator:       sep,
	}
}

// Ingest consumes the next raw segment in arrival order. Storage errors
// propagate and abort the job; rows already written stay visible.
func (e *Engine) Ingest(ctx context.Context, seg transcribe.RawSegment) error {
	if e.finished {
		return fmt.Errorf("merge: ingest after finish on %s", e.transcriptionID)
	}

	// Invalid time spans are rejected before grouping.
	if seg.EndMS < seg.StartMS {
		slog.Warn("rejecting segment with inverted time span",
			"transcription", e.transcriptionID,
			"model_sequence", seg.Sequence,
			"start_ms", seg.StartMS,
			"end_ms", seg.EndMS,
		)
		return nil
	}

	if !seg.ContentType.IsSpeech() {
		// Non-speech closes the open utterance and is not persisted.
		return e.flush(ctx)
	}

	if e.open == nil {
		e.open = newGroup(seg)
		return nil
	}

	if e.canMerge(seg) {
		e.open.extend(seg)
		return nil
	}

	if err := e.flush(ctx); err != nil {
		return err
	}
	e.open = newGroup(seg)
	return nil
}

// Finish flushes the open group, marks the final row, and records the final
// counts on the transcription. Returns the total number of rows written.
func (e *Engine) Finish(ctx context.Context, processingTimeMS int64) (int64, error) {
	if e.finished {
		return e.seq, nil
	}
	if err := e.flush(ctx); err != nil {
		return e.seq, err
	}
	e.finished = true

	if e.seq > 0 {
		if err := e.writer.MarkLast(ctx, e.transcriptionID, e.seq); err != nil {
			return e.seq, err
		}
	}
	if err := e.writer.FinishTranscription(ctx, e.transcriptionID, e.seq, processingTimeMS); err != nil {
		return e.seq, err
	}
	return e.seq, nil
}

// canMerge applies the four merge predicates against the open group.
func (e *Engine) canMerge(seg transcribe.RawSegment) bool {
	g := e.open
	if seg.Speaker != g.speaker {
		return false
	}
	if seg.StartMS-g.endMS > maxGapMS {
		return false
	}
	openDur := g.endMS - g.startMS
	segDur := seg.EndMS - seg.StartMS
	if openDur >= shortPieceMS && segDur >= shortPieceMS {
		return false
	}
	return seg.EndMS-g.startMS <= maxCombinedMS
}

// flush writes the open group as the next dense sequence row and clears it.
// A nil open group is a no-op.
func (e *Engine) flush(ctx context.Context) error {
	if e.open == nil {
		return nil
	}
	g := e.open
	e.open = nil

	e.seq++
	row := &store.Segment{
		TranscriptionID: e.transcriptionID,
		Sequence:        e.seq,
		StartMS:         g.startMS,
		EndMS:           g.endMS,
		ContentType:     string(g.contentType),
		Speaker:         g.speaker,
		Original:        strings.Join(g.original, e.separator),
		Translation:     strings.Join(g.translation, e.separator),
		IsFirst:         e.seq == 1,
	}
	if err := e.writer.InsertSegment(ctx, row); err != nil {
		return fmt.Errorf("merge: flush sequence %d: %w", e.seq, err)
	}
	return nil
}

func newGroup(seg transcribe.RawSegment) *group {
	return &group{
		startMS:     seg.StartMS,
		endMS:       seg.EndMS,
		speaker:     seg.Speaker,
		contentType: seg.ContentType,
		original:    appendText(nil, seg.Original),
		translation: appendText(nil, seg.Translation),
	}
}

// extend folds seg into the group: the end time advances and texts are
// appended, whitespace-trimmed.
func (g *group) extend(seg transcribe.RawSegment) {
	g.endMS = seg.EndMS
	g.original = appendText(g.original, seg.Original)
	g.translation = appendText(g.translation, seg.Translation)
}

// appendText appends the trimmed text, skipping empty pieces so joins never
// produce doubled separators.
func appendText(parts []string, text string) []string {
	if t := strings.TrimSpace(text); t != "" {
		return append(parts, t)
	}
	return parts
}
