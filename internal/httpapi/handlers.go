package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mwiater/imagingrag/internal/answer"
	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/vision"
)

type ingestRequest struct {
	JSONLName string `json:"jsonl_name"`
}

type ingestResponse struct {
	AddedChunks int    `json:"added_chunks"`
	IndexPath   string `json:"index_path"`
}

type chatRequest struct {
	Message   string `json:"message"`
	K         int    `json:"k"`
	SessionID string `json:"session_id"`
}

func (s *Server) home(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "entries": s.deps.Index.Len()})
}

func (s *Server) createSession(c *gin.Context) {
	id, err := s.deps.Sessions.Create(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (s *Server) ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, apperr.InvalidInput("ingest", "invalid request body: %v", err))
		return
	}
	cfg := s.deps.Config
	path, err := resolveDataset(cfg.DataDirectory(), req.JSONLName, cfg.DefaultDatasetPath())
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.deps.Indexer.Build(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ingestResponse{AddedChunks: res.Chunks, IndexPath: res.Location})
}

// resolveDataset maps a client supplied name onto a file inside dataDir.
func resolveDataset(dataDir, name, fallback string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback, nil
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", apperr.InvalidInput("ingest", "jsonl_name must be relative to the data directory")
	}
	if slices.Contains(strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }), "..") {
		return "", apperr.InvalidInput("ingest", "jsonl_name must not contain '..'")
	}
	return filepath.Join(dataDir, filepath.Clean(name)), nil
}

func (s *Server) chat(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, apperr.InvalidInput("chat", "invalid request body: %v", err))
		return
	}
	req, err := s.answerRequest(body.Message, body.K, body.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	ans, err := s.deps.Answerer.Ask(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ans)
}

func (s *Server) chatStream(c *gin.Context) {
	k := 0
	if raw := c.Query("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, apperr.InvalidInput("chat", "k must be an integer"))
			return
		}
		k = n
	}
	req, err := s.answerRequest(c.Query("message"), k, c.Query("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	for ev := range s.deps.Answerer.Stream(c.Request.Context(), req) {
		c.SSEvent("message", ev)
		c.Writer.Flush()
	}
}

// answerRequest validates fields shared by both chat endpoints.
// answerRequest validates a chat request. A k of 0 means rag.topK.
func (s *Server) answerRequest(message string, k int, sessionID string) (answer.Request, error) {
	if strings.TrimSpace(message) == "" {
		return answer.Request{}, apperr.InvalidInput("chat", "message is required")
	}
	if k == 0 {
		k = s.deps.Config.TopK()
	}
	if limit := s.deps.Config.MaxTopK(); k < 1 || k > limit {
		return answer.Request{}, apperr.InvalidInput("chat", "k must be between 1 and %d, got %d", limit, k)
	}
	return answer.Request{Message: message, K: k, SessionID: sessionID}, nil
}

func (s *Server) classifyImage(c *gin.Context) {
	limit := s.deps.Config.MaxImageBytes()
	target, err := readUpload(c, "file", limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if target == nil {
		writeError(c, apperr.InvalidInput("classify", "file is required"))
		return
	}
	fewShot := false
	if raw := c.PostForm("few_shot"); raw != "" {
		if fewShot, err = strconv.ParseBool(raw); err != nil {
			writeError(c, apperr.InvalidInput("classify", "few_shot must be a boolean"))
			return
		}
	}
	req := vision.Request{Image: target, FewShot: fewShot}
	if fewShot {
		if req.Cat, err = readUpload(c, "example_cat", limit); err != nil {
			writeError(c, err)
			return
		}
		if req.Dog, err = readUpload(c, "example_dog", limit); err != nil {
			writeError(c, err)
			return
		}
	}
	res, err := s.deps.Labeler.Classify(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// readUpload returns the bytes of an optional multipart file field, or nil
// when the field is absent.
func readUpload(c *gin.Context, field string, limit int64) ([]byte, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.InvalidInput("classify", "read %s: %v", field, err)
	}
	return readFileHeader(fh, field, limit)
}

func readFileHeader(fh *multipart.FileHeader, field string, limit int64) ([]byte, error) {
	if fh.Size > limit {
		return nil, apperr.InvalidInput("classify", "%s is %d bytes; limit is %d", field, fh.Size, limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", field, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	return data, nil
}
