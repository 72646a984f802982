// Package segmenter turns persisted transcript rows into per-utterance audio
// clips.
//
// The driver polls the transcript store for newly merged rows and feeds them
// into per-speaker accumulators. An accumulator gathers the time ranges of
// consecutive same-speaker sentences until a duration ceiling trips, at which
// point one clip is produced and later sentences of that speaker reuse it.
// Clips are assembled from the preloaded source audio and uploaded to the
// object store; each covered row's audio_key column is then set to the clip's
// public URL.
package segmenter

import (
	"fmt"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/pkg/audio"
)

// State is the lifecycle phase of an accumulator.
type State string

const (
	// StateAccumulating gathers time ranges until the duration ceiling trips.
	StateAccumulating State = "accumulating"

	// StateReusing means a clip has been produced; further sentences of the
	// speaker inherit its URL without changing the clip.
	StateReusing State = "reusing"
)

// Settings are the segmenter tunables, read once at task start.
type Settings struct {
	GapDurationMS  int64
	MaxDurationMS  int64
	MinDurationMS  int64
	GapThresholdMS int64
}

// SettingsFrom derives runtime settings from the configuration.
func SettingsFrom(cfg config.SegmenterConfig) Settings {
	return Settings{
		GapDurationMS:  cfg.GapDurationMS,
		MaxDurationMS:  cfg.MaxDurationMS,
		MinDurationMS:  cfg.MinDurationMS,
		GapThresholdMS: cfg.GapThreshold(),
	}
}

// accumulator assembles one speaker's clip. Created on the speaker's first
// sentence, destroyed on speaker change or stream end.
type accumulator struct {
	speaker       string
	timeRanges    []audio.TimeRange
	pending       []store.Segment
	reused        []store.Segment
	sequenceStart int64
	state         State
	audioKey      string
	inQueue       bool
}

func newAccumulator(seg store.Segment) *accumulator {
	return &accumulator{
		speaker:       seg.Speaker,
		timeRanges:    []audio.TimeRange{{StartMS: seg.StartMS, EndMS: seg.EndMS}},
		pending:       []store.Segment{seg},
		sequenceStart: seg.Sequence,
		state:         StateAccumulating,
	}
}

// add folds a sentence into the accumulating clip. A gap at or below the
// threshold extends the last time range; a larger gap opens a new range,
// which will later be bridged with calibrated silence.
func (a *accumulator) add(seg store.Segment, gapThresholdMS int64) {
	last := &a.timeRanges[len(a.timeRanges)-1]
	if seg.StartMS-last.EndMS <= gapThresholdMS {
		last.EndMS = seg.EndMS
	} else {
		a.timeRanges = append(a.timeRanges, audio.TimeRange{StartMS: seg.StartMS, EndMS: seg.EndMS})
	}
	a.pending = append(a.pending, seg)
}

// addReused records a sentence that will inherit the already-produced clip.
func (a *accumulator) addReused(seg store.Segment) {
	a.reused = append(a.reused, seg)
}

// totalDurationMS is the length of the clip the accumulator would produce:
// the sum of its ranges plus one silence gap between each consecutive pair.
func (a *accumulator) totalDurationMS(gapMS int64) int64 {
	var total int64
	for _, r := range a.timeRanges {
		total += r.DurationMS()
	}
	if n := int64(len(a.timeRanges)); n > 1 {
		total += gapMS * (n - 1)
	}
	return total
}

// segmentID identifies the clip by the first covered sequence.
func (a *accumulator) segmentID() string {
	return fmt.Sprintf("sequence_%04d", a.sequenceStart)
}

// clipKey is the object-store key of the clip.
func (a *accumulator) clipKey(outputPrefix string) string {
	return fmt.Sprintf("%s/%s_%s.wav", outputPrefix, a.segmentID(), a.speaker)
}

// sequences lists every covered row, pending first, then reused.
func (a *accumulator) sequences() []int64 {
	out := make([]int64, 0, len(a.pending)+len(a.reused))
	for _, seg := range a.pending {
		out = append(out, seg.Sequence)
	}
	for _, seg := range a.reused {
		out = append(out, seg.Sequence)
	}
	return out
}
