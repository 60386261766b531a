package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/storybridge/pkg/elevenlabs"
	"github.com/vango-go/storybridge/pkg/gateway/config"
	"github.com/vango-go/storybridge/pkg/metrics"
	"github.com/vango-go/storybridge/pkg/store"
)

const (
	pdfContentType = "application/pdf"
	// Room for the multipart envelope and form fields around the file.
	multipartOverheadBytes = 1 << 20
)

type UploadStoryHandler struct {
	Config  config.Config
	Client  *elevenlabs.Client
	Store   store.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type uploadStoryResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	KnowledgeBaseID   string `json:"knowledge_base_id"`
	KnowledgeBaseName string `json:"knowledge_base_name"`
	OriginalStoryName string `json:"original_story_name"`
	UserID            string `json:"user_id"`
	Timestamp         string `json:"timestamp"`
}

func (h UploadStoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	maxSize := h.Config.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverheadBytes)
	if err := r.ParseMultipartForm(maxSize + multipartOverheadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeInvalid(w, r, fileTooLargeMessage(maxSize), "file")
			return
		}
		writeInvalid(w, r, "invalid multipart form: "+err.Error(), "")
		return
	}
	defer r.MultipartForm.RemoveAll()

	storyName := strings.TrimSpace(r.FormValue("story_name"))
	if storyName == "" {
		writeInvalid(w, r, "story_name is required", "story_name")
		return
	}
	userID := strings.TrimSpace(r.FormValue("user_id"))
	if userID == "" {
		writeInvalid(w, r, "user_id is required", "user_id")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeInvalid(w, r, "file is required", "file")
		return
	}
	defer file.Close()

	content, msg := readPDF(file, header, maxSize)
	if msg != "" {
		writeInvalid(w, r, msg, "file")
		return
	}

	result, err := h.Client.UploadKnowledgeBaseFile(r.Context(), elevenlabs.UploadRequest{
		FileName:  header.Filename,
		Content:   content,
		StoryName: storyName,
		UserID:    userID,
	})
	h.Metrics.UpstreamRequest("upload_story", err)
	if err != nil {
		writeError(w, r, h.Logger, fmt.Errorf("upload story: %w", err))
		return
	}

	if h.Store != nil {
		err := h.Store.SaveStory(r.Context(), store.Story{
			KnowledgeBaseID:   result.Document.ID,
			KnowledgeBaseName: result.Document.Name,
			StoryName:         result.OriginalStoryName,
			UserID:            result.UserID,
			UploadedAt:        time.Now().UTC(),
		})
		if err != nil && h.Logger != nil {
			// The document exists remotely; the caller still gets its id.
			h.Logger.Warn("record story failed", "request_id", requestIDFrom(r), "knowledge_base_id", result.Document.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, uploadStoryResponse{
		Success:           true,
		Message:           "Story uploaded successfully",
		KnowledgeBaseID:   result.Document.ID,
		KnowledgeBaseName: result.Document.Name,
		OriginalStoryName: result.OriginalStoryName,
		UserID:            result.UserID,
		Timestamp:         result.Timestamp,
	})
}

// readPDF validates and reads an uploaded story. A non-empty message is the
// validation failure to report.
func readPDF(file multipart.File, header *multipart.FileHeader, maxSize int64) ([]byte, string) {
	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType != pdfContentType {
		return nil, fmt.Sprintf("Invalid file type. Only PDF files are allowed. Got: %s", contentType)
	}
	if header.Size == 0 {
		return nil, "File is empty"
	}
	if header.Size > maxSize {
		return nil, fileTooLargeMessage(maxSize)
	}
	content, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		return nil, "failed to read file: " + err.Error()
	}
	if len(content) == 0 {
		return nil, "File is empty"
	}
	if int64(len(content)) > maxSize {
		return nil, fileTooLargeMessage(maxSize)
	}
	return content, ""
}

func fileTooLargeMessage(maxSize int64) string {
	return fmt.Sprintf("File too large. Maximum size is %dMB", maxSize/(1024*1024))
}

type StoriesHandler struct {
	Store  store.Store
	Logger *slog.Logger
}

func (h StoriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	stories, err := h.Store.ListStories(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user_id": userID,
		"stories": stories,
	})
}
