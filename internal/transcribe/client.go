package transcribe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/resilience"
)

// sse line handling limits. Segment payloads carry full translated sentences;
// 1 MiB per line is far above anything the model emits in practice.
const (
	sseInitialBuffer = 64 * 1024
	sseMaxLine       = 1 << 20
)

// ErrStreamFailed is wrapped into errors returned when the model reports a
// mid-stream failure via an error event.
var ErrStreamFailed = errors.New("model reported stream error")

// StreamOptions selects the translation target for one transcription call.
type StreamOptions struct {
	TargetLanguage config.TargetLanguage
	Style          config.TranslationStyle
}

// SegmentFunc receives each decoded segment in arrival order. Returning a
// non-nil error aborts the stream and propagates the error to the caller of
// [Client.Stream].
type SegmentFunc func(RawSegment) error

// Client calls the generative transcription model and decodes its streaming
// response. Safe for concurrent use; concurrency is capped by the configured
// request limit.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	sem        *semaphore.Weighted
	breaker    *resilience.CircuitBreaker
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel forwards a specific model variant to the service.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithAPIKey sets the bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client. The client's Timeout
// bounds the whole streaming call; pass one sized for long transcriptions.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxConcurrentRequests caps in-flight model calls across goroutines.
// Values below 1 are treated as 1.
func WithMaxConcurrentRequests(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.sem = semaphore.NewWeighted(int64(n))
	}
}

// NewClient creates a Client for the model service at baseURL.
// baseURL must be non-empty.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("transcribe: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: config.DefaultRequestTimeout},
		sem:        semaphore.NewWeighted(int64(config.DefaultMaxConcurrentRequests)),
		breaker:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "model"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Stream posts the audio track to the model and delivers each transcript
// segment to fn as soon as it is syntactically complete. Stream returns after
// the model's end event, reporting the model's own segment count, or on the
// first error from the transport, the model, or fn.
//
// Segments already delivered before an error remain delivered; Stream never
// retries mid-stream.
func (c *Client) Stream(ctx context.Context, audio io.Reader, fileName string, opts StreamOptions, fn SegmentFunc) (StreamSummary, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return StreamSummary{}, fmt.Errorf("transcribe: wait for request slot: %w", err)
	}
	defer c.sem.Release(1)

	// Only connection establishment trips the breaker: a refused or
	// non-200 answer means the service is down, a mid-stream drop does not.
	var resp *http.Response
	err := c.breaker.Execute(func() error {
		r, err := c.post(ctx, audio, fileName, opts)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			return fmt.Errorf("transcribe: model returned HTTP %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return StreamSummary{}, fmt.Errorf("transcribe: model unavailable: %w", err)
		}
		return StreamSummary{}, err
	}
	defer resp.Body.Close()

	return decodeStream(ctx, resp.Body, fn)
}

// post builds and sends the multipart transcription request. The audio field
// streams through an io.Pipe so large tracks are never buffered in full.
func (c *Client) post(ctx context.Context, audio io.Reader, fileName string, opts StreamOptions) (*http.Response, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeForm(mw, audio, fileName, opts, c.model)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", pr)
	if err != nil {
		return nil, fmt.Errorf("transcribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe: http request: %w", err)
	}
	return resp, nil
}

// writeForm writes the multipart fields: file, targetLanguage, style, and the
// optional model override.
func writeForm(mw *multipart.Writer, audio io.Reader, fileName string, opts StreamOptions, model string) error {
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return fmt.Errorf("transcribe: create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return fmt.Errorf("transcribe: write audio: %w", err)
	}
	if err := mw.WriteField("targetLanguage", string(opts.TargetLanguage)); err != nil {
		return fmt.Errorf("transcribe: write targetLanguage: %w", err)
	}
	if err := mw.WriteField("style", string(opts.Style)); err != nil {
		return fmt.Errorf("transcribe: write style: %w", err)
	}
	if model != "" {
		if err := mw.WriteField("model", model); err != nil {
			return fmt.Errorf("transcribe: write model: %w", err)
		}
	}
	return nil
}

// event is the envelope of every SSE data payload.
type event struct {
	Type      string          `json:"type"`
	Metadata  *StreamMetadata `json:"metadata,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Segment   json.RawMessage `json:"segment,omitempty"`
	Total     int64           `json:"totalSegments,omitempty"`
	EndTime   string          `json:"endTime,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// decodeStream reads SSE lines from body and dispatches decoded segments to
// fn, yielding to ctx between segments so downstream inserts are never
// starved.
//
// Two payload shapes are accepted: discrete segment events, and raw fragments
// of a single JSON array (older model builds). Fragments are recognised by
// failing to decode as an event envelope and are routed through an
// [ObjectScanner].
func decodeStream(ctx context.Context, body io.Reader, fn SegmentFunc) (StreamSummary, error) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxLine)

	var (
		summary  StreamSummary
		sawEnd   bool
		arr      ObjectScanner
		nArrayed int64
	)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("transcribe: stream cancelled: %w", err)
		}

		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev event
		if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Type == "" {
			// Not an event envelope: treat as a fragment of the raw array.
			for _, raw := range arr.Feed(data) {
				seg, decErr := decodeSegment(raw)
				if decErr != nil {
					slog.Debug("dropping undecodable segment", "err", decErr)
					continue
				}
				nArrayed++
				if cbErr := fn(seg); cbErr != nil {
					return summary, cbErr
				}
			}
			continue
		}

		switch ev.Type {
		case "start":
			if ev.Metadata != nil {
				slog.Info("transcription stream started",
					"file", ev.Metadata.FileName,
					"size", ev.Metadata.FileSize,
					"model", ev.Metadata.Model,
				)
			}

		case "segment":
			seg, err := decodeSegment(ev.Segment)
			if err != nil {
				slog.Debug("dropping undecodable segment", "sequence", ev.Sequence, "err", err)
				continue
			}
			if err := fn(seg); err != nil {
				return summary, err
			}

		case "end":
			summary = StreamSummary{TotalSegments: ev.Total, EndTime: ev.EndTime}
			sawEnd = true

		case "error":
			return summary, fmt.Errorf("transcribe: %w: %s", ErrStreamFailed, ev.Error)
		}
	}
	if err := sc.Err(); err != nil {
		return summary, fmt.Errorf("transcribe: read stream: %w", err)
	}

	// Raw-array streams have no end event; report what was seen. An empty
	// stream is not an error.
	if !sawEnd {
		summary.TotalSegments = nArrayed
	}
	return summary, nil
}

// decodeSegment unmarshals one segment object and derives millisecond
// timestamps from its timecode strings.
func decodeSegment(raw json.RawMessage) (RawSegment, error) {
	var seg RawSegment
	if err := json.Unmarshal(raw, &seg); err != nil {
		return RawSegment{}, fmt.Errorf("transcribe: decode segment: %w", err)
	}
	seg.StartMS = ParseTimecode(seg.Start)
	seg.EndMS = ParseTimecode(seg.End)
	return seg, nil
}
