// Package transcribe streams time-coded multilingual transcript segments out
// of the generative transcription model.
//
// The model responds with a server-sent event stream whose payloads carry
// fragments of a single JSON array of segment objects. [ObjectScanner]
// extracts complete objects from the growing fragment stream without
// re-scanning consumed input, and [Client.Stream] turns them into
// [RawSegment] values delivered in arrival order.
package transcribe

// ContentType classifies what a transcript segment contains.
type ContentType string

const (
	ContentSpeech       ContentType = "speech"
	ContentSinging      ContentType = "singing"
	ContentVocalization ContentType = "non_speech_human_vocalizations"
	ContentNonHuman     ContentType = "non_human_sounds"
)

// IsSpeech reports whether the segment carries spoken words. Only speech
// segments survive merging and reach the durable transcript.
func (c ContentType) IsSpeech() bool {
	return c == ContentSpeech
}

// RawSegment is one transcript segment as produced by the model, before
// merging. Sequence is the model's own counter; the merge engine reassigns a
// dense sequence before persistence.
type RawSegment struct {
	Sequence    int64       `json:"sequence"`
	StartMS     int64       `json:"-"`
	EndMS       int64       `json:"-"`
	ContentType ContentType `json:"content_type"`
	Speaker     string      `json:"speaker"`
	Original    string      `json:"original"`
	Translation string      `json:"translation"`

	// Start and End carry the model's "XmYsZms" timecode strings. StartMS and
	// EndMS are derived from them during decoding.
	Start string `json:"start"`
	End   string `json:"end"`
}

// StreamMetadata describes the transcription run, from the model's start event.
type StreamMetadata struct {
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	MimeType       string `json:"mimeType"`
	TargetLanguage string `json:"targetLanguage"`
	Style          string `json:"style"`
	Model          string `json:"model"`
	StartTime      string `json:"startTime"`
}

// StreamSummary reports final counts from the model's end event.
type StreamSummary struct {
	TotalSegments int64  `json:"totalSegments"`
	EndTime       string `json:"endTime"`
}
