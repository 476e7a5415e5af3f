package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	maxUploadBytes int64
}

func NewHTTPServer(service *Service, corsOrigin string, maxUploadBytes int64) *HTTPServer {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, maxUploadBytes: maxUploadBytes}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/upload" {
		s.handleUpload(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/upload-region" {
		s.handleUploadRegion(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/ask" {
		var body AskInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Ask(r.Context(), body)
		if err != nil {
			status, code, message, details := errorParts(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "files":
		s.handleFiles(w, r, parts[2:])
	case "folders":
		s.handleFolders(w, r, parts[2:])
	case "documents":
		s.handleDocuments(w, r, parts[2:])
	case "annotations":
		s.handleAnnotations(w, r, parts[2:])
	case "regions":
		s.handleRegions(w, r, parts[2:])
	case "chats":
		s.handleChats(w, r, parts[2:])
	case "chat":
		s.handleChat(w, r, parts[2:])
	case "threads":
		s.handleThreads(w, r, parts[2:])
	case "highlights":
		s.handleHighlights(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the size limit", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read upload", nil)
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}
	var folderID *int64
	if raw := r.FormValue("folderId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folderId must be an integer", nil)
			return
		}
		folderID = &id
	}

	created, err := s.service.UploadFile(r.Context(), UploadFileInput{
		FolderID: folderID,
		Title:    title,
		Data:     data,
	})
	if err != nil {
		status, code, message, details := errorParts(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, fileView(created))
}

func (s *HTTPServer) handleUploadRegion(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form", nil)
		return
	}
	image, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "image field is required", nil)
		return
	}
	defer image.Close()

	data, err := io.ReadAll(image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read image", nil)
		return
	}

	pageNumber, err := strconv.Atoi(r.FormValue("pageNumber"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pageNumber must be an integer", nil)
		return
	}

	annotation, err := s.service.UploadRegion(r.Context(), UploadRegionInput{
		DocumentID: r.FormValue("documentId"),
		PageNumber: pageNumber,
		Geometry:   json.RawMessage(r.FormValue("geometry")),
		Image:      data,
		MimeType:   header.Header.Get("Content-Type"),
	})
	if err != nil {
		status, code, message, details := errorParts(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, annotationView(annotation))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:             r.URL.Query().Get("q"),
		FilterType:       search.ResultType(r.URL.Query().Get("type")),
		FilterDocumentID: r.URL.Query().Get("documentId"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		q.Offset = offset
	}

	resp, err := s.service.Search(r.Context(), q)
	if err != nil {
		status, code, message, details := errorParts(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		files, err := s.service.ListFiles(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list files", nil)
			return
		}
		views := make([]map[string]any, 0, len(files))
		for _, f := range files {
			views = append(views, fileView(f))
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": views})
		return
	}

	fileID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file id must be an integer", nil)
		return
	}

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodPatch:
			var body RenameInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.RenameFile(r.Context(), fileID, body.Name); err != nil {
				status, code, message, details := errorParts(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case http.MethodDelete:
			if err := s.service.DeleteFile(r.Context(), fileID); err != nil {
				status, code, message, details := errorParts(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 2 && r.Method == http.MethodGet {
		switch rest[1] {
		case "download":
			url, err := s.service.FileDownloadURL(r.Context(), fileID)
			if err != nil {
				status, code, message, details := errorParts(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"url": url})
			return
		case "threads":
			threads, err := s.service.ThreadsByFile(r.Context(), fileID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list threads", nil)
				return
			}
			views := make([]map[string]any, 0, len(threads))
			for _, t := range threads {
				views = append(views, threadView(t))
			}
			writeJSON(w, http.StatusOK, map[string]any{"threads": views})
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFolders(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			var parentID *int64
			if raw := r.URL.Query().Get("parentId"); raw != "" {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parentId must be an integer", nil)
					return
				}
				parentID = &id
			}
			folders, err := s.service.ListFolders(r.Context(), parentID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list folders", nil)
				return
			}
			views := make([]map[string]any, 0, len(folders))
			for _, f := range folders {
				views = append(views, folderView(f))
			}
			writeJSON(w, http.StatusOK, map[string]any{"folders": views})
		case http.MethodPost:
			var body CreateFolderInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			id, err := s.service.CreateFolder(r.Context(), body)
			if err != nil {
				status, code, message, details := errorParts(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": id})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	folderID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "folder id must be an integer", nil)
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var body struct {
			Name     *string `json:"name"`
			ParentID *int64  `json:"parentId"`
			Move     bool    `json:"move"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Name != nil {
			if err := s.service.RenameFolder(r.Context(), folderID, *body.Name); err != nil {
				status, code, message, details := errorParts(err)
				writeError(w, status, code, message, details)
				return
			}
		}
		if body.Move || body.ParentID != nil {
			if err := s.service.MoveFolder(r.Context(), folderID, body.ParentID); err != nil {
				status, code, message, details := errorParts(err)
				writeError(w, status, code, message, details)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodDelete:
		if err := s.service.DeleteFolder(r.Context(), folderID); err != nil {
			status, code, message, details := errorParts(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 2 && rest[1] == "pages" && r.Method == http.MethodGet {
		pages, err := s.service.GetPages(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := errorParts(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			documentID := r.URL.Query().Get("documentId")
			if documentID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
				return
			}
			annotations, err := s.service.ListAnnotations(r.Context(), documentID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list annotations", nil)
				return
			}
			views := make([]map[string]any, 0, len(annotations))
			for _, a := range annotations {
				views = append(views, annotationView(a))
			}
			writeJSON(w, http.StatusOK, map[string]any{"annotations": views})
		case http.MethodPost:
			var body CreateAnnotationInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			annotation, err := s.service.CreateAnnotation(r.Context(), body)
			if err != nil {
				status, code, message, details := errorParts(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, annotationView(annotation))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	annotationID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "annotation id must be an integer", nil)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		if err := s.service.DeleteAnnotation(r.Context(), annotationID); err != nil {
			status, code, message, details := errorParts(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(rest) == 2 && r.Method == http.MethodGet {
		switch rest[1] {
		case "thread":
			thread, err := s.service.ThreadByAnnotation(r.Context(), annotationID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load thread", nil)
				return
			}
			if thread == nil {
				writeJSON(w, http.StatusOK, map[string]any{"thread": nil})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"thread": threadView(*thread)})
			return
		case "messages":
			messages, err := s.service.ChatByAnnotation(r.Context(), annotationID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load messages", nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(messages)})
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRegions(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 1 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	body, mime, err := s.service.RegionImage(r.Context(), rest[0])
	if err != nil {
		status, code, message, details := errorParts(err)
		writeError(w, status, code, message, details)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Printf("regions: stream %s: %v", rest[0], err)
	}
}

func (s *HTTPServer) handleChats(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	switch {
	case len(rest) == 0:
		var body CreateChatInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		chat, err := s.service.CreateChat(r.Context(), body)
		if err != nil {
			status, code, message, details := errorParts(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, chatView(chat))
	case len(rest) == 1 && rest[0] == "promote":
		var body PromoteAnnotationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		chat, err := s.service.PromoteAnnotation(r.Context(), body)
		if err != nil {
			status, code, message, details := errorParts(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, chatView(chat))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 1 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	messages, err := s.service.ChatByDocument(r.Context(), rest[0])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load messages", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(messages)})
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 2 || rest[1] != "messages" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	threadID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "thread id must be an integer", nil)
		return
	}
	messages, err := s.service.ThreadMessages(r.Context(), threadID)
	if err != nil {
		status, code, message, details := errorParts(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(messages)})
}

func (s *HTTPServer) handleHighlights(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		documentID := r.URL.Query().Get("documentId")
		if documentID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
			return
		}
		highlights, err := s.service.ListHighlights(r.Context(), documentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list highlights", nil)
			return
		}
		views := make([]map[string]any, 0, len(highlights))
		for _, h := range highlights {
			views = append(views, highlightView(h))
		}
		writeJSON(w, http.StatusOK, map[string]any{"highlights": views})
	case http.MethodPost:
		var body SaveHighlightInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		id, err := s.service.SaveHighlight(r.Context(), body)
		if err != nil {
			status, code, message, details := errorParts(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func fileView(f store.File) map[string]any {
	return map[string]any{
		"id":           f.ID,
		"folderId":     f.FolderID,
		"documentId":   f.DocumentID,
		"title":        f.Title,
		"hasDocument":  f.BlobKey != nil,
		"parentFileId": f.ParentFileID,
		"createdAt":    f.CreatedAt,
	}
}

func folderView(f store.Folder) map[string]any {
	return map[string]any{
		"id":        f.ID,
		"name":      f.Name,
		"parentId":  f.ParentID,
		"createdAt": f.CreatedAt,
	}
}

func annotationView(a store.Annotation) map[string]any {
	return map[string]any{
		"id":           a.ID,
		"documentId":   a.DocumentID,
		"pageNumber":   a.PageNumber,
		"type":         a.Kind,
		"geometry":     a.Geometry,
		"selectedText": a.SelectedText,
		"regionId":     a.RegionID,
		"createdAt":    a.CreatedAt,
	}
}

func threadView(t store.ChatThread) map[string]any {
	return map[string]any{
		"id":                 t.ID,
		"fileId":             t.FileID,
		"sourceAnnotationId": t.SourceAnnotationID,
		"title":              t.Title,
		"createdAt":          t.CreatedAt,
	}
}

func messageViews(messages []store.Message) []map[string]any {
	views := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		views = append(views, map[string]any{
			"id":           m.ID,
			"threadId":     m.ThreadID,
			"documentId":   m.DocumentID,
			"role":         m.Role,
			"content":      m.Content,
			"annotationId": m.AnnotationID,
			"reference":    m.Reference,
			"createdAt":    m.CreatedAt,
		})
	}
	return views
}

func highlightView(h store.ChatHighlight) map[string]any {
	return map[string]any{
		"id":           h.ID,
		"annotationId": h.AnnotationID,
		"messageId":    h.MessageID,
		"startOffset":  h.Start,
		"endOffset":    h.End,
		"createdAt":    h.CreatedAt,
	}
}

func chatView(c store.StandaloneChat) map[string]any {
	return map[string]any{
		"fileId":     c.FileID,
		"documentId": c.DocumentID,
		"threadId":   c.ThreadID,
		"title":      c.Title,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func randomRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func errorParts(err error) (int, string, string, any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
