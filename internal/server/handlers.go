package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/segmenter"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/workflow"
)

// maxSegmentPage caps how many rows one listing request may return.
const maxSegmentPage = 200

type watchRequest struct {
	AudioKey        string `json:"audioKey"`
	TranscriptionID string `json:"transcriptionId"`
	OutputPrefix    string `json:"outputPrefix"`
	TaskID          string `json:"taskId"`
}

type watchStats struct {
	TotalPolls              int    `json:"totalPolls"`
	TotalSentencesProcessed int    `json:"totalSentencesProcessed"`
	TotalDuration           string `json:"totalDuration"`
}

type watchResponse struct {
	Success              bool             `json:"success"`
	SegmentCount         int              `json:"segmentCount"`
	SentenceToSegmentMap map[int64]string `json:"sentenceToSegmentMap"`
	Stats                watchStats       `json:"stats"`
	Error                string           `json:"error,omitempty"`
}

// handleWatch runs one segmenter watch synchronously and reports its outcome.
// A failed watch still answers 200 with success=false and whatever partial
// stats the driver gathered; only a malformed request is a 4xx.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.AudioKey == "" || req.TranscriptionID == "" || req.OutputPrefix == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("audioKey, transcriptionId and outputPrefix are required"))
		return
	}

	res, err := s.watcher.Watch(r.Context(), segmenter.WatchRequest{
		AudioKey:        req.AudioKey,
		TranscriptionID: req.TranscriptionID,
		OutputPrefix:    req.OutputPrefix,
		TaskID:          req.TaskID,
	})

	resp := watchResponse{Success: err == nil}
	if res != nil {
		resp.SegmentCount = res.SegmentCount
		resp.SentenceToSegmentMap = res.SentenceToSegment
		resp.Stats = watchStats{
			TotalPolls:              res.Stats.TotalPolls,
			TotalSentencesProcessed: res.Stats.TotalSentences,
			TotalDuration:           res.Stats.Duration.String(),
		}
	}
	if resp.SentenceToSegmentMap == nil {
		resp.SentenceToSegmentMap = map[int64]string{}
	}
	if err != nil {
		resp.Error = err.Error()
		s.log.Error("watch failed", "transcription_id", req.TranscriptionID, "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type segmentDTO struct {
	Sequence    int64  `json:"sequence"`
	StartMS     int64  `json:"startMs"`
	EndMS       int64  `json:"endMs"`
	Speaker     string `json:"speaker"`
	Original    string `json:"original"`
	Translation string `json:"translation"`
	AudioKey    string `json:"audioKey,omitempty"`
	IsFirst     bool   `json:"isFirst"`
	IsLast      bool   `json:"isLast"`
}

func toDTO(seg store.Segment) segmentDTO {
	return segmentDTO{
		Sequence:    seg.Sequence,
		StartMS:     seg.StartMS,
		EndMS:       seg.EndMS,
		Speaker:     seg.Speaker,
		Original:    seg.Original,
		Translation: seg.Translation,
		AudioKey:    seg.AudioKey,
		IsFirst:     seg.IsFirst,
		IsLast:      seg.IsLast,
	}
}

// handleSegments lists merged rows of a transcription in sequence order.
// Query parameters: after (exclusive sequence floor, default 0) and limit
// (default and cap [maxSegmentPage]).
func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after %q", v))
			return
		}
		after = n
	}
	limit := maxSegmentPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		if n < limit {
			limit = n
		}
	}

	rows, err := s.transcripts.SelectAfter(r.Context(), id, after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	dtos := make([]segmentDTO, 0, len(rows))
	for _, seg := range rows {
		dtos = append(dtos, toDTO(seg))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"segments": dtos})
}

type updateTextRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// handleUpdateText overwrites one text field of a segment. Only "original"
// and "translation" are editable; the store enforces that.
func (s *Server) handleUpdateText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	seq, err := strconv.ParseInt(r.PathValue("sequence"), 10, 64)
	if err != nil || seq <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sequence %q", r.PathValue("sequence")))
		return
	}
	var req updateTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Field != "original" && req.Field != "translation" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("field %q is not editable", req.Field))
		return
	}

	if err := s.transcripts.UpdateSegmentText(r.Context(), id, seq, req.Field, req.Value); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleLive upgrades to a websocket and streams newly persisted rows in
// sequence order. The feed polls the store, so rows appear with at most one
// poll interval of delay. The socket closes normally once the final row has
// been sent, or when the transcription finishes with no further rows.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	if err := s.streamLive(ctx, conn, id); err != nil {
		s.log.Warn("live feed closed", "transcription_id", id, "error", err)
		conn.Close(websocket.StatusInternalError, "feed failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "transcript complete")
}

func (s *Server) streamLive(ctx context.Context, conn *websocket.Conn, id string) error {
	var lastSeen int64
	ticker := time.NewTicker(s.livePoll)
	defer ticker.Stop()

	for {
		rows, err := s.transcripts.SelectAfter(ctx, id, lastSeen, maxSegmentPage)
		if err != nil {
			return fmt.Errorf("select segments: %w", err)
		}
		sawLast := false
		for _, seg := range rows {
			if err := wsjson.Write(ctx, conn, toDTO(seg)); err != nil {
				return fmt.Errorf("push segment %d: %w", seg.Sequence, err)
			}
			lastSeen = seg.Sequence
			if seg.IsLast {
				sawLast = true
			}
		}
		if sawLast {
			return nil
		}
		if len(rows) == 0 {
			// No new rows: a finished transcription will not grow anymore.
			tr, err := s.transcripts.GetTranscription(ctx, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("get transcription: %w", err)
			}
			if err == nil && tr.Finished() && lastSeen >= tr.TotalSegments {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type processTaskRequest struct {
	TaskID         string `json:"taskId"`
	UserID         string `json:"userId"`
	FileType       string `json:"fileType"`
	TargetLanguage string `json:"targetLanguage"`
	Style          string `json:"style"`
}

// handleProcessTask kicks off the full pipeline for an uploaded task. The
// run is asynchronous: the task row carries status and progress, and the
// live feed shows rows as they land.
func (s *Server) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	var req processTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.TaskID == "" || req.UserID == "" || req.FileType == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("taskId, userId and fileType are required"))
		return
	}
	lang := config.TargetLanguage(req.TargetLanguage)
	if !lang.IsValid() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported target language %q", req.TargetLanguage))
		return
	}
	style := config.TranslationStyle(req.Style)
	if req.Style == "" {
		style = config.StyleNormal
	}
	if !style.IsValid() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported style %q", req.Style))
		return
	}

	job := workflow.Job{
		TaskID:      req.TaskID,
		UserID:      req.UserID,
		OriginalKey: workflow.OriginalKey(req.UserID, req.TaskID, req.FileType),
		FileType:    req.FileType,
		Options: workflow.Options{
			TargetLanguage: lang,
			Style:          style,
		},
	}

	// The run outlives the request; failures land on the task row.
	go func() {
		if _, err := s.jobs.Run(context.Background(), job); err != nil {
			s.log.Error("task run failed", "task_id", job.TaskID, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"taskId":   req.TaskID,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}
