package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"marginalia/api/internal/assistant"
	"marginalia/api/internal/blob"
	"marginalia/api/internal/config"
	"marginalia/api/internal/extract"
	"marginalia/api/internal/pagecache"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// demoUserID is the single seeded user every request runs as.
const demoUserID int64 = 1

const presignExpiry = 15 * time.Minute

type UploadFileInput struct {
	FolderID *int64
	Title    string
	Data     []byte
}

type CreateFolderInput struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parentId"`
}

type MoveFolderInput struct {
	ParentID *int64 `json:"parentId"`
}

type RenameInput struct {
	Name string `json:"name"`
}

type CreateAnnotationInput struct {
	DocumentID   string          `json:"documentId"`
	PageNumber   int             `json:"pageNumber"`
	Kind         string          `json:"type"`
	Geometry     json.RawMessage `json:"geometry"`
	SelectedText *string         `json:"selectedText"`
}

type UploadRegionInput struct {
	DocumentID string
	PageNumber int
	Geometry   json.RawMessage
	Image      []byte
	MimeType   string
}

type AskInput struct {
	DocumentID   string `json:"documentId"`
	Question     string `json:"question"`
	AnnotationID *int64 `json:"annotationId"`
}

type AskResult struct {
	Answer   string `json:"answer"`
	ThreadID int64  `json:"threadId"`
}

type CreateChatInput struct {
	FolderID *int64 `json:"folderId"`
	Title    string `json:"title"`
}

type PromoteAnnotationInput struct {
	AnnotationID int64  `json:"annotationId"`
	FolderID     *int64 `json:"folderId"`
	Title        string `json:"title"`
}

type SaveHighlightInput struct {
	AnnotationID int64 `json:"annotationId"`
	MessageID    int64 `json:"messageId"`
	StartOffset  int   `json:"startOffset"`
	EndOffset    int   `json:"endOffset"`
}

type dataStore interface {
	CreateFolder(context.Context, string, int64, *int64) (int64, error)
	ListFolders(context.Context, int64, *int64) ([]store.Folder, error)
	RenameFolder(context.Context, int64, string) (bool, error)
	SetFolderParent(context.Context, int64, *int64) (bool, error)
	CreateFileWithBlob(context.Context, *int64, string, string, int64, func(context.Context, int64) (string, error)) (int64, error)
	GetFile(context.Context, int64) (store.File, error)
	GetFileByDocument(context.Context, string) (store.File, error)
	ListFiles(context.Context, int64) ([]store.File, error)
	RenameFile(context.Context, int64, string) (bool, error)
	CreateStandaloneChat(context.Context, int64, *int64, string, *int64) (store.StandaloneChat, error)
	SavePages(context.Context, string, []store.PageText) error
	GetPages(context.Context, string) ([]store.PageText, error)
	CreateAnnotation(context.Context, store.CreateAnnotationInput) (int64, error)
	GetAnnotation(context.Context, int64) (store.Annotation, error)
	ListAnnotationsByDocument(context.Context, string) ([]store.Annotation, error)
	EnsureThread(context.Context, *int64, *int64, string) (int64, error)
	GetThread(context.Context, int64) (store.ChatThread, error)
	ListThreadsByFile(context.Context, int64) ([]store.ChatThread, error)
	ThreadByAnnotation(context.Context, int64) (*store.ChatThread, error)
	PostMessage(context.Context, store.PostMessageInput) (int64, error)
	ListMessagesByThread(context.Context, int64) ([]store.Message, error)
	ListMessagesByDocument(context.Context, string) ([]store.Message, error)
	ListMessagesByAnnotation(context.Context, int64) ([]store.Message, error)
	SaveChatHighlight(context.Context, store.SaveChatHighlightInput) (int64, error)
	ListChatHighlightsByDocument(context.Context, string) ([]store.ChatHighlight, error)
	DeleteFileCascade(context.Context, int64) (store.CascadeResult, error)
	DeleteAnnotationCascade(context.Context, int64) (store.AnnotationDeletion, error)
	DeleteFolderCascade(context.Context, int64) (store.CascadeResult, error)
	Ping(ctx context.Context) error
}

type blobStore interface {
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type pageCache interface {
	Get(ctx context.Context, documentID string) ([]store.PageText, error)
	Put(ctx context.Context, documentID string, pages []store.PageText) error
	Invalidate(ctx context.Context, documentID string) error
}

type assistantClient interface {
	Answer(ctx context.Context, prompt string) (string, error)
	AnswerWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexMessage(m search.MessageRecord)
	IndexAnnotation(a search.AnnotationRecord)
	DeleteByDocument(documentID string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	blobs     blobStore
	cache     pageCache
	assistant assistantClient
	search    searchIndex

	extractPages func(data []byte) ([]store.PageText, error)
}

func New(cfg config.Config, dataStore *store.PostgresStore, blobs *blob.Store, cache *pagecache.Cache, assistant *assistant.Client, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:          cfg,
		store:        dataStore,
		extractPages: extractPDFPages,
	}
	if blobs != nil {
		s.blobs = blobs
	}
	if cache != nil {
		s.cache = cache
	}
	if assistant != nil {
		s.assistant = assistant
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

func extractPDFPages(data []byte) ([]store.PageText, error) {
	pages, err := extract.Pages(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := make([]store.PageText, 0, len(pages))
	for _, p := range pages {
		out = append(out, store.PageText{PageNumber: p.Number, Text: p.Text})
	}
	return out, nil
}

func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// UploadFile extracts page text, then creates the file row and uploads the
// PDF in one two-phase step: if the object upload fails the row never
// commits, so no half-created file is left behind.
func (s *Service) UploadFile(ctx context.Context, input UploadFileInput) (store.File, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.File{}, validationError("title is required")
	}
	if len(input.Data) == 0 {
		return store.File{}, validationError("empty upload")
	}
	if s.blobs == nil {
		return store.File{}, domainError(503, "STORAGE_UNAVAILABLE", "blob storage is not configured", nil)
	}

	pages, err := s.extractPages(input.Data)
	if err != nil {
		return store.File{}, validationError("could not read PDF: " + err.Error())
	}

	documentID := uuid.NewString()
	fileID, err := s.store.CreateFileWithBlob(ctx, input.FolderID, documentID, input.Title, demoUserID,
		func(ctx context.Context, fileID int64) (string, error) {
			key := blob.FileKey(demoUserID, fileID)
			if err := s.blobs.Put(ctx, key, bytes.NewReader(input.Data), int64(len(input.Data)), "application/pdf"); err != nil {
				return "", err
			}
			return key, nil
		})
	if err != nil {
		return store.File{}, fmt.Errorf("create file: %w", err)
	}

	if err := s.store.SavePages(ctx, documentID, pages); err != nil {
		return store.File{}, fmt.Errorf("save pages: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Put(ctx, documentID, pages); err != nil {
			log.Printf("upload: cache pages for %s: %v", documentID, err)
		}
	}

	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return store.File{}, fmt.Errorf("load file: %w", err)
	}
	return file, nil
}

// GetPages serves a document's extracted text, preferring the Redis cache.
func (s *Service) GetPages(ctx context.Context, documentID string) ([]store.PageText, error) {
	if s.cache != nil {
		if pages, err := s.cache.Get(ctx, documentID); err == nil && len(pages) > 0 {
			return pages, nil
		} else if err != nil {
			log.Printf("pages: cache read for %s: %v", documentID, err)
		}
	}

	pages, err := s.store.GetPages(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, notFoundError("document not found")
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, documentID, pages); err != nil {
			log.Printf("pages: cache write for %s: %v", documentID, err)
		}
	}
	return pages, nil
}

func (s *Service) ListFiles(ctx context.Context) ([]store.File, error) {
	return s.store.ListFiles(ctx, demoUserID)
}

func (s *Service) RenameFile(ctx context.Context, fileID int64, title string) error {
	if strings.TrimSpace(title) == "" {
		return validationError("title is required")
	}
	ok, err := s.store.RenameFile(ctx, fileID, title)
	if err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	if !ok {
		return notFoundError("file not found")
	}
	return nil
}

// FileDownloadURL returns a presigned URL for the stored PDF.
func (s *Service) FileDownloadURL(ctx context.Context, fileID int64) (string, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFoundError("file not found")
	}
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	if file.BlobKey == nil {
		return "", validationError("file has no stored document")
	}
	if s.blobs == nil {
		return "", domainError(503, "STORAGE_UNAVAILABLE", "blob storage is not configured", nil)
	}
	return s.blobs.PresignGet(ctx, *file.BlobKey, presignExpiry)
}

// DeleteFile runs the delete cascade and then clears every derived trace of
// the removed documents: blob objects, cached pages, and search records.
// Cleanup failures after the commit are logged, not surfaced.
func (s *Service) DeleteFile(ctx context.Context, fileID int64) error {
	result, err := s.store.DeleteFileCascade(ctx, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("file not found")
	}
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	s.cleanupAfterCascade(ctx, result)
	return nil
}

func (s *Service) cleanupAfterCascade(ctx context.Context, result store.CascadeResult) {
	for _, documentID := range result.DocumentIDs {
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, documentID); err != nil {
				log.Printf("cascade cleanup: invalidate pages for %s: %v", documentID, err)
			}
		}
		if s.search != nil {
			s.search.DeleteByDocument(documentID)
		}
	}
	s.removeBlobs(ctx, result.BlobKeys)
}

func (s *Service) removeBlobs(ctx context.Context, keys []string) {
	if s.blobs == nil {
		return
	}
	for _, key := range keys {
		if err := s.blobs.Remove(ctx, key); err != nil {
			log.Printf("cascade cleanup: remove blob %s: %v", key, err)
		}
	}
}

func (s *Service) CreateFolder(ctx context.Context, input CreateFolderInput) (int64, error) {
	if strings.TrimSpace(input.Name) == "" {
		return 0, validationError("name is required")
	}
	return s.store.CreateFolder(ctx, input.Name, demoUserID, input.ParentID)
}

func (s *Service) ListFolders(ctx context.Context, parentID *int64) ([]store.Folder, error) {
	return s.store.ListFolders(ctx, demoUserID, parentID)
}

func (s *Service) RenameFolder(ctx context.Context, folderID int64, name string) error {
	if strings.TrimSpace(name) == "" {
		return validationError("name is required")
	}
	ok, err := s.store.RenameFolder(ctx, folderID, name)
	if err != nil {
		return fmt.Errorf("rename folder: %w", err)
	}
	if !ok {
		return notFoundError("folder not found")
	}
	return nil
}

func (s *Service) MoveFolder(ctx context.Context, folderID int64, parentID *int64) error {
	ok, err := s.store.SetFolderParent(ctx, folderID, parentID)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundError("folder not found")
	}
	return nil
}

func (s *Service) DeleteFolder(ctx context.Context, folderID int64) error {
	result, err := s.store.DeleteFolderCascade(ctx, folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("folder not found")
	}
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	s.cleanupAfterCascade(ctx, result)
	return nil
}

func (s *Service) CreateAnnotation(ctx context.Context, input CreateAnnotationInput) (store.Annotation, error) {
	if input.Kind != store.AnnotationText {
		return store.Annotation{}, validationError("unsupported annotation type")
	}
	if input.PageNumber < 1 {
		return store.Annotation{}, validationError("page number must be positive")
	}
	if _, err := s.store.GetFileByDocument(ctx, input.DocumentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Annotation{}, notFoundError("document not found")
		}
		return store.Annotation{}, fmt.Errorf("load document: %w", err)
	}

	id, err := s.store.CreateAnnotation(ctx, store.CreateAnnotationInput{
		DocumentID:   input.DocumentID,
		PageNumber:   input.PageNumber,
		Kind:         input.Kind,
		Geometry:     input.Geometry,
		SelectedText: input.SelectedText,
	})
	if err != nil {
		return store.Annotation{}, fmt.Errorf("create annotation: %w", err)
	}

	annotation, err := s.store.GetAnnotation(ctx, id)
	if err != nil {
		return store.Annotation{}, fmt.Errorf("load annotation: %w", err)
	}
	s.indexAnnotation(annotation)
	return annotation, nil
}

// UploadRegion stores a region snapshot image and creates the region
// annotation pointing at it.
func (s *Service) UploadRegion(ctx context.Context, input UploadRegionInput) (store.Annotation, error) {
	if input.PageNumber < 1 {
		return store.Annotation{}, validationError("page number must be positive")
	}
	ext, ok := regionExt(input.MimeType)
	if !ok {
		return store.Annotation{}, validationError("region image must be PNG or JPEG")
	}
	if len(input.Image) == 0 {
		return store.Annotation{}, validationError("empty region image")
	}
	if s.blobs == nil {
		return store.Annotation{}, domainError(503, "STORAGE_UNAVAILABLE", "blob storage is not configured", nil)
	}
	if _, err := s.store.GetFileByDocument(ctx, input.DocumentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Annotation{}, notFoundError("document not found")
		}
		return store.Annotation{}, fmt.Errorf("load document: %w", err)
	}

	regionID := util.NewID("region")
	blobKey := blob.RegionKey(regionID, ext)
	if err := s.blobs.Put(ctx, blobKey, bytes.NewReader(input.Image), int64(len(input.Image)), input.MimeType); err != nil {
		return store.Annotation{}, fmt.Errorf("store region image: %w", err)
	}

	id, err := s.store.CreateAnnotation(ctx, store.CreateAnnotationInput{
		DocumentID:    input.DocumentID,
		PageNumber:    input.PageNumber,
		Kind:          store.AnnotationRegion,
		Geometry:      input.Geometry,
		RegionID:      &regionID,
		RegionBlobKey: &blobKey,
	})
	if err != nil {
		// Orphaned object, clean it up since the row never landed.
		if rmErr := s.blobs.Remove(ctx, blobKey); rmErr != nil {
			log.Printf("region upload: remove orphan %s: %v", blobKey, rmErr)
		}
		return store.Annotation{}, fmt.Errorf("create region annotation: %w", err)
	}

	annotation, err := s.store.GetAnnotation(ctx, id)
	if err != nil {
		return store.Annotation{}, fmt.Errorf("load annotation: %w", err)
	}
	return annotation, nil
}

func regionExt(mimeType string) (string, bool) {
	switch mimeType {
	case "image/png":
		return ".png", true
	case "image/jpeg":
		return ".jpeg", true
	default:
		return "", false
	}
}

func (s *Service) ListAnnotations(ctx context.Context, documentID string) ([]store.Annotation, error) {
	return s.store.ListAnnotationsByDocument(ctx, documentID)
}

// RegionImage streams a region snapshot from blob storage.
func (s *Service) RegionImage(ctx context.Context, regionID string) (io.ReadCloser, string, error) {
	if s.blobs == nil {
		return nil, "", domainError(503, "STORAGE_UNAVAILABLE", "blob storage is not configured", nil)
	}
	for _, ext := range []string{".png", ".jpeg"} {
		body, err := s.blobs.Get(ctx, blob.RegionKey(regionID, ext))
		if err == nil {
			// Reading probes existence; GetObject is lazy.
			buffered, readErr := probeReader(body)
			if readErr == nil {
				mime := "image/png"
				if ext == ".jpeg" {
					mime = "image/jpeg"
				}
				return buffered, mime, nil
			}
		}
	}
	return nil, "", notFoundError("region image not found")
}

// probeReader reads the first byte to confirm the object exists and returns
// a reader that replays it.
func probeReader(rc io.ReadCloser) (io.ReadCloser, error) {
	head := make([]byte, 1)
	n, err := rc.Read(head)
	if err != nil && err != io.EOF {
		rc.Close()
		return nil, err
	}
	if n == 0 {
		rc.Close()
		return nil, io.ErrUnexpectedEOF
	}
	return readCloser{
		Reader: io.MultiReader(bytes.NewReader(head[:n]), rc),
		close:  rc.Close,
	}, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// DeleteAnnotation cascades through the annotation's thread, messages,
// highlights, and promoted chat files, then clears blobs and derived state.
func (s *Service) DeleteAnnotation(ctx context.Context, annotationID int64) error {
	result, err := s.store.DeleteAnnotationCascade(ctx, annotationID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("annotation not found")
	}
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}

	keys := result.BlobKeys
	if result.RegionBlobKey != nil {
		keys = append(keys, *result.RegionBlobKey)
	}
	s.removeBlobs(ctx, keys)
	for _, documentID := range result.ChildDocumentIDs {
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, documentID); err != nil {
				log.Printf("annotation cleanup: invalidate pages for %s: %v", documentID, err)
			}
		}
		if s.search != nil {
			s.search.DeleteByDocument(documentID)
		}
	}
	return nil
}

// Ask answers a question about a document, optionally scoped to an
// annotation. The question is persisted before the assistant is called, so a
// failed completion still leaves the student's side of the exchange in the
// thread.
func (s *Service) Ask(ctx context.Context, input AskInput) (AskResult, error) {
	if strings.TrimSpace(input.Question) == "" {
		return AskResult{}, validationError("question is required")
	}
	if s.assistant == nil {
		return AskResult{}, domainError(503, "ASSISTANT_UNAVAILABLE", "assistant is not configured", nil)
	}

	file, err := s.store.GetFileByDocument(ctx, input.DocumentID)
	if errors.Is(err, sql.ErrNoRows) {
		return AskResult{}, notFoundError("document not found")
	}
	if err != nil {
		return AskResult{}, fmt.Errorf("load document: %w", err)
	}

	var annotation *store.Annotation
	if input.AnnotationID != nil {
		ann, err := s.store.GetAnnotation(ctx, *input.AnnotationID)
		if errors.Is(err, sql.ErrNoRows) {
			return AskResult{}, notFoundError("annotation not found")
		}
		if err != nil {
			return AskResult{}, fmt.Errorf("load annotation: %w", err)
		}
		if ann.DocumentID != input.DocumentID {
			return AskResult{}, validationError("annotation does not belong to this document")
		}
		annotation = &ann
	}

	var threadID int64
	if annotation != nil {
		threadID, err = s.store.EnsureThread(ctx, nil, input.AnnotationID, "")
	} else {
		threadID, err = s.store.EnsureThread(ctx, &file.ID, nil, file.Title)
	}
	if err != nil {
		if errors.Is(err, store.ErrThreadRootMissing) {
			return AskResult{}, invariantError("thread needs a file or annotation root")
		}
		return AskResult{}, fmt.Errorf("ensure thread: %w", err)
	}

	history, err := s.store.ListMessagesByThread(ctx, threadID)
	if err != nil {
		return AskResult{}, fmt.Errorf("load history: %w", err)
	}

	if _, err := s.store.PostMessage(ctx, store.PostMessageInput{
		ThreadID:     &threadID,
		Role:         store.RoleUser,
		Content:      input.Question,
		AnnotationID: input.AnnotationID,
	}); err != nil {
		return AskResult{}, fmt.Errorf("save question: %w", err)
	}

	answer, err := s.answer(ctx, input, annotation, history)
	if err != nil {
		// The question is already committed; the student can retry.
		return AskResult{}, domainError(502, "ASSISTANT_FAILED", "assistant request failed", err.Error())
	}
	answer = assistant.NormalizeMath(answer)

	messageID, err := s.store.PostMessage(ctx, store.PostMessageInput{
		ThreadID:     &threadID,
		Role:         store.RoleAssistant,
		Content:      answer,
		AnnotationID: input.AnnotationID,
	})
	if err != nil {
		return AskResult{}, fmt.Errorf("save answer: %w", err)
	}

	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:         fmt.Sprintf("%d", messageID),
			Content:    answer,
			Role:       store.RoleAssistant,
			DocumentID: input.DocumentID,
		})
	}
	return AskResult{Answer: answer, ThreadID: threadID}, nil
}

func (s *Service) answer(ctx context.Context, input AskInput, annotation *store.Annotation, history []store.Message) (string, error) {
	pages, err := s.GetPages(ctx, input.DocumentID)
	if err != nil {
		var derr *DomainError
		if errors.As(err, &derr) && derr.Status == 404 {
			// Standalone chats have no extracted pages; answer from the
			// conversation alone.
			pages = nil
		} else {
			return "", err
		}
	}

	if annotation == nil {
		prompt := fmt.Sprintf("Answer the following question using the document below.\n\n%s\nQuestion:\n%s\n",
			reshapePages(pages), input.Question)
		return s.assistant.Answer(ctx, prompt)
	}

	pageIdx := annotation.PageNumber - 1
	var prevText, currText, nextText string
	if pageIdx >= 0 && pageIdx < len(pages) {
		currText = pages[pageIdx].Text
	}
	if pageIdx-1 >= 0 && pageIdx-1 < len(pages) {
		prevText = pages[pageIdx-1].Text
	}
	if pageIdx+1 < len(pages) {
		nextText = pages[pageIdx+1].Text
	}

	var historyText strings.Builder
	for _, m := range history {
		fmt.Fprintf(&historyText, "%s: %s\n", m.Role, m.Content)
	}

	prompt := fmt.Sprintf(`The student is asking a question about a specific part of the document.

Previous conversation:
%s
The annotation is located on page %d.

Relevant document content:
%s
%s
%s

Question:
%s
`, historyText.String(), annotation.PageNumber, prevText, currText, nextText, input.Question)

	if annotation.Kind == store.AnnotationRegion {
		if annotation.RegionBlobKey == nil {
			return "", invariantError("region annotation has no stored image")
		}
		if s.blobs == nil {
			return "", domainError(503, "STORAGE_UNAVAILABLE", "blob storage is not configured", nil)
		}
		body, err := s.blobs.Get(ctx, *annotation.RegionBlobKey)
		if err != nil {
			return "", fmt.Errorf("load region image: %w", err)
		}
		defer body.Close()
		image, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("read region image: %w", err)
		}
		mime := "image/png"
		if strings.HasSuffix(*annotation.RegionBlobKey, ".jpeg") {
			mime = "image/jpeg"
		}
		return s.assistant.AnswerWithImage(ctx, prompt, image, mime)
	}
	return s.assistant.Answer(ctx, prompt)
}

func reshapePages(pages []store.PageText) string {
	var b strings.Builder
	for _, page := range pages {
		fmt.Fprintf(&b, "[Page %d]\n%s\n", page.PageNumber, page.Text)
	}
	return b.String()
}

// CreateChat creates a standalone chat file with its document thread.
func (s *Service) CreateChat(ctx context.Context, input CreateChatInput) (store.StandaloneChat, error) {
	chat, err := s.store.CreateStandaloneChat(ctx, demoUserID, input.FolderID, input.Title, nil)
	if err != nil {
		return store.StandaloneChat{}, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// PromoteAnnotation turns an annotation's chat into a standalone file in the
// file tree, keeping the thread and its history.
func (s *Service) PromoteAnnotation(ctx context.Context, input PromoteAnnotationInput) (store.StandaloneChat, error) {
	annotation, err := s.store.GetAnnotation(ctx, input.AnnotationID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StandaloneChat{}, notFoundError("annotation not found")
	}
	if err != nil {
		return store.StandaloneChat{}, fmt.Errorf("load annotation: %w", err)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" && annotation.SelectedText != nil {
		title = chatTitleFromText(*annotation.SelectedText)
	}
	chat, err := s.store.CreateStandaloneChat(ctx, demoUserID, input.FolderID, title, &input.AnnotationID)
	if err != nil {
		return store.StandaloneChat{}, fmt.Errorf("promote annotation: %w", err)
	}
	return chat, nil
}

func chatTitleFromText(text string) string {
	const max = 60
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return strings.TrimSpace(text[:max]) + "..."
}

// ChatByDocument returns a document's messages, math blocks cleaned.
func (s *Service) ChatByDocument(ctx context.Context, documentID string) ([]store.Message, error) {
	return s.store.ListMessagesByDocument(ctx, documentID)
}

// ChatByAnnotation returns an annotation's messages, math blocks cleaned.
func (s *Service) ChatByAnnotation(ctx context.Context, annotationID int64) ([]store.Message, error) {
	return s.store.ListMessagesByAnnotation(ctx, annotationID)
}

func (s *Service) ThreadMessages(ctx context.Context, threadID int64) ([]store.Message, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("thread not found")
		}
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return s.store.ListMessagesByThread(ctx, threadID)
}

func (s *Service) ThreadsByFile(ctx context.Context, fileID int64) ([]store.ChatThread, error) {
	return s.store.ListThreadsByFile(ctx, fileID)
}

func (s *Service) ThreadByAnnotation(ctx context.Context, annotationID int64) (*store.ChatThread, error) {
	return s.store.ThreadByAnnotation(ctx, annotationID)
}

func (s *Service) SaveHighlight(ctx context.Context, input SaveHighlightInput) (int64, error) {
	if input.StartOffset < 0 || input.EndOffset <= input.StartOffset {
		return 0, validationError("invalid highlight offsets")
	}
	if _, err := s.store.GetAnnotation(ctx, input.AnnotationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, notFoundError("annotation not found")
		}
		return 0, fmt.Errorf("load annotation: %w", err)
	}
	id, err := s.store.SaveChatHighlight(ctx, store.SaveChatHighlightInput{
		AnnotationID: input.AnnotationID,
		MessageID:    input.MessageID,
		StartOffset:  input.StartOffset,
		EndOffset:    input.EndOffset,
	})
	if err != nil {
		return 0, fmt.Errorf("save highlight: %w", err)
	}
	return id, nil
}

func (s *Service) ListHighlights(ctx context.Context, documentID string) ([]store.ChatHighlight, error) {
	return s.store.ListChatHighlightsByDocument(ctx, documentID)
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func (s *Service) indexAnnotation(annotation store.Annotation) {
	if s.search == nil || annotation.SelectedText == nil {
		return
	}
	s.search.IndexAnnotation(search.AnnotationRecord{
		ID:         fmt.Sprintf("%d", annotation.ID),
		Text:       *annotation.SelectedText,
		DocumentID: annotation.DocumentID,
		PageNumber: annotation.PageNumber,
	})
}
