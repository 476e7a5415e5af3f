package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"marginalia/api/internal/config"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

type fakeStore struct {
	createFileWithBlobFn func(context.Context, *int64, string, string, int64, func(context.Context, int64) (string, error)) (int64, error)
	getFileFn            func(context.Context, int64) (store.File, error)
	getFileByDocumentFn  func(context.Context, string) (store.File, error)
	getAnnotationFn      func(context.Context, int64) (store.Annotation, error)
	ensureThreadFn       func(context.Context, *int64, *int64, string) (int64, error)
	postMessageFn        func(context.Context, store.PostMessageInput) (int64, error)
	listByThreadFn       func(context.Context, int64) ([]store.Message, error)
	savePagesFn          func(context.Context, string, []store.PageText) error
	getPagesFn           func(context.Context, string) ([]store.PageText, error)
	deleteFileCascadeFn  func(context.Context, int64) (store.CascadeResult, error)
	saveChatHighlightFn  func(context.Context, store.SaveChatHighlightInput) (int64, error)
	standaloneChatFn     func(context.Context, int64, *int64, string, *int64) (store.StandaloneChat, error)
}

func (f *fakeStore) CreateFolder(context.Context, string, int64, *int64) (int64, error) {
	return 1, nil
}
func (f *fakeStore) ListFolders(context.Context, int64, *int64) ([]store.Folder, error) {
	return nil, nil
}
func (f *fakeStore) RenameFolder(context.Context, int64, string) (bool, error) { return true, nil }
func (f *fakeStore) SetFolderParent(context.Context, int64, *int64) (bool, error) {
	return true, nil
}
func (f *fakeStore) CreateFileWithBlob(ctx context.Context, folderID *int64, documentID, title string, userID int64, upload func(context.Context, int64) (string, error)) (int64, error) {
	if f.createFileWithBlobFn != nil {
		return f.createFileWithBlobFn(ctx, folderID, documentID, title, userID, upload)
	}
	if _, err := upload(ctx, 1); err != nil {
		return 0, err
	}
	return 1, nil
}
func (f *fakeStore) GetFile(ctx context.Context, fileID int64) (store.File, error) {
	if f.getFileFn != nil {
		return f.getFileFn(ctx, fileID)
	}
	return store.File{ID: fileID}, nil
}
func (f *fakeStore) GetFileByDocument(ctx context.Context, documentID string) (store.File, error) {
	if f.getFileByDocumentFn != nil {
		return f.getFileByDocumentFn(ctx, documentID)
	}
	return store.File{ID: 1, DocumentID: documentID}, nil
}
func (f *fakeStore) ListFiles(context.Context, int64) ([]store.File, error) { return nil, nil }
func (f *fakeStore) RenameFile(context.Context, int64, string) (bool, error) {
	return true, nil
}
func (f *fakeStore) CreateStandaloneChat(ctx context.Context, userID int64, folderID *int64, title string, sourceAnnotationID *int64) (store.StandaloneChat, error) {
	if f.standaloneChatFn != nil {
		return f.standaloneChatFn(ctx, userID, folderID, title, sourceAnnotationID)
	}
	return store.StandaloneChat{FileID: 2, DocumentID: "chat_x", ThreadID: 3, Title: title}, nil
}
func (f *fakeStore) SavePages(ctx context.Context, documentID string, pages []store.PageText) error {
	if f.savePagesFn != nil {
		return f.savePagesFn(ctx, documentID, pages)
	}
	return nil
}
func (f *fakeStore) GetPages(ctx context.Context, documentID string) ([]store.PageText, error) {
	if f.getPagesFn != nil {
		return f.getPagesFn(ctx, documentID)
	}
	return []store.PageText{{PageNumber: 1, Text: "page one"}}, nil
}
func (f *fakeStore) CreateAnnotation(context.Context, store.CreateAnnotationInput) (int64, error) {
	return 1, nil
}
func (f *fakeStore) GetAnnotation(ctx context.Context, annotationID int64) (store.Annotation, error) {
	if f.getAnnotationFn != nil {
		return f.getAnnotationFn(ctx, annotationID)
	}
	return store.Annotation{ID: annotationID, DocumentID: "doc-1", PageNumber: 1, Kind: store.AnnotationText}, nil
}
func (f *fakeStore) ListAnnotationsByDocument(context.Context, string) ([]store.Annotation, error) {
	return nil, nil
}
func (f *fakeStore) EnsureThread(ctx context.Context, fileID, annotationID *int64, title string) (int64, error) {
	if f.ensureThreadFn != nil {
		return f.ensureThreadFn(ctx, fileID, annotationID, title)
	}
	if fileID == nil && annotationID == nil {
		return 0, store.ErrThreadRootMissing
	}
	return 7, nil
}
func (f *fakeStore) GetThread(context.Context, int64) (store.ChatThread, error) {
	return store.ChatThread{ID: 7}, nil
}
func (f *fakeStore) ListThreadsByFile(context.Context, int64) ([]store.ChatThread, error) {
	return nil, nil
}
func (f *fakeStore) ThreadByAnnotation(context.Context, int64) (*store.ChatThread, error) {
	return nil, nil
}
func (f *fakeStore) PostMessage(ctx context.Context, input store.PostMessageInput) (int64, error) {
	if f.postMessageFn != nil {
		return f.postMessageFn(ctx, input)
	}
	return 1, nil
}
func (f *fakeStore) ListMessagesByThread(ctx context.Context, threadID int64) ([]store.Message, error) {
	if f.listByThreadFn != nil {
		return f.listByThreadFn(ctx, threadID)
	}
	return nil, nil
}
func (f *fakeStore) ListMessagesByDocument(context.Context, string) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeStore) ListMessagesByAnnotation(context.Context, int64) ([]store.Message, error) {
	return nil, nil
}
func (f *fakeStore) SaveChatHighlight(ctx context.Context, input store.SaveChatHighlightInput) (int64, error) {
	if f.saveChatHighlightFn != nil {
		return f.saveChatHighlightFn(ctx, input)
	}
	return 1, nil
}
func (f *fakeStore) ListChatHighlightsByDocument(context.Context, string) ([]store.ChatHighlight, error) {
	return nil, nil
}
func (f *fakeStore) DeleteFileCascade(ctx context.Context, fileID int64) (store.CascadeResult, error) {
	if f.deleteFileCascadeFn != nil {
		return f.deleteFileCascadeFn(ctx, fileID)
	}
	return store.CascadeResult{}, nil
}
func (f *fakeStore) DeleteAnnotationCascade(context.Context, int64) (store.AnnotationDeletion, error) {
	return store.AnnotationDeletion{}, nil
}
func (f *fakeStore) DeleteFolderCascade(context.Context, int64) (store.CascadeResult, error) {
	return store.CascadeResult{}, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeBlobs struct {
	putFn     func(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
	getFn     func(ctx context.Context, key string) (io.ReadCloser, error)
	removed   []string
	presigned []string
}

func (f *fakeBlobs) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	if f.putFn != nil {
		return f.putFn(ctx, key, data, size, contentType)
	}
	return nil
}
func (f *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.getFn != nil {
		return f.getFn(ctx, key)
	}
	return io.NopCloser(strings.NewReader("img")), nil
}
func (f *fakeBlobs) Remove(_ context.Context, key string) error {
	f.removed = append(f.removed, key)
	return nil
}
func (f *fakeBlobs) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.presigned = append(f.presigned, key)
	return "https://blobs.local/" + key, nil
}

type fakeAssistant struct {
	answerFn func(ctx context.Context, prompt string) (string, error)
	imageFn  func(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

func (f *fakeAssistant) Answer(ctx context.Context, prompt string) (string, error) {
	if f.answerFn != nil {
		return f.answerFn(ctx, prompt)
	}
	return "an answer", nil
}
func (f *fakeAssistant) AnswerWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if f.imageFn != nil {
		return f.imageFn(ctx, prompt, image, mimeType)
	}
	return "an image answer", nil
}

type fakeCache struct {
	pages       map[string][]store.PageText
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{pages: make(map[string][]store.PageText)}
}
func (f *fakeCache) Get(_ context.Context, documentID string) ([]store.PageText, error) {
	return f.pages[documentID], nil
}
func (f *fakeCache) Put(_ context.Context, documentID string, pages []store.PageText) error {
	f.pages[documentID] = pages
	return nil
}
func (f *fakeCache) Invalidate(_ context.Context, documentID string) error {
	f.invalidated = append(f.invalidated, documentID)
	delete(f.pages, documentID)
	return nil
}

func newTestService(fs *fakeStore) (*Service, *fakeBlobs, *fakeCache) {
	blobs := &fakeBlobs{}
	cache := newFakeCache()
	svc := &Service{
		cfg:       config.Config{},
		store:     fs,
		blobs:     blobs,
		cache:     cache,
		assistant: &fakeAssistant{},
		extractPages: func([]byte) ([]store.PageText, error) {
			return []store.PageText{{PageNumber: 1, Text: "extracted"}}, nil
		},
	}
	return svc, blobs, cache
}

func TestUploadFileBlobFailureCreatesNothing(t *testing.T) {
	savePagesCalled := false
	fs := &fakeStore{
		savePagesFn: func(context.Context, string, []store.PageText) error {
			savePagesCalled = true
			return nil
		},
	}
	svc, blobs, _ := newTestService(fs)
	blobs.putFn = func(context.Context, string, io.Reader, int64, string) error {
		return errors.New("minio down")
	}

	_, err := svc.UploadFile(context.Background(), UploadFileInput{Title: "doc", Data: []byte("pdf")})
	if err == nil {
		t.Fatal("expected error when blob upload fails")
	}
	if savePagesCalled {
		t.Fatal("pages saved despite failed upload")
	}
}

func TestUploadFileRejectsEmptyTitle(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})

	_, err := svc.UploadFile(context.Background(), UploadFileInput{Title: "  ", Data: []byte("pdf")})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "VALIDATION" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadFileCachesExtractedPages(t *testing.T) {
	var savedDoc string
	fs := &fakeStore{
		savePagesFn: func(_ context.Context, documentID string, _ []store.PageText) error {
			savedDoc = documentID
			return nil
		},
	}
	svc, _, cache := newTestService(fs)

	if _, err := svc.UploadFile(context.Background(), UploadFileInput{Title: "doc", Data: []byte("pdf")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if savedDoc == "" {
		t.Fatal("pages never saved")
	}
	if len(cache.pages[savedDoc]) != 1 {
		t.Fatal("pages not cached")
	}
}

func TestGetPagesPrefersCache(t *testing.T) {
	storeHit := false
	fs := &fakeStore{
		getPagesFn: func(context.Context, string) ([]store.PageText, error) {
			storeHit = true
			return []store.PageText{{PageNumber: 1, Text: "from store"}}, nil
		},
	}
	svc, _, cache := newTestService(fs)
	cache.pages["doc-1"] = []store.PageText{{PageNumber: 1, Text: "cached"}}

	pages, err := svc.GetPages(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("get pages: %v", err)
	}
	if storeHit {
		t.Fatal("store queried despite cache hit")
	}
	if pages[0].Text != "cached" {
		t.Fatalf("got %q", pages[0].Text)
	}
}

func TestGetPagesUnknownDocument(t *testing.T) {
	fs := &fakeStore{
		getPagesFn: func(context.Context, string) ([]store.PageText, error) {
			return []store.PageText{}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.GetPages(context.Background(), "missing")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAskFailedAssistantKeepsQuestion(t *testing.T) {
	var posted []store.PostMessageInput
	fs := &fakeStore{
		postMessageFn: func(_ context.Context, input store.PostMessageInput) (int64, error) {
			posted = append(posted, input)
			return int64(len(posted)), nil
		},
	}
	svc, _, _ := newTestService(fs)
	svc.assistant = &fakeAssistant{
		answerFn: func(context.Context, string) (string, error) {
			return "", errors.New("rate limited")
		},
	}

	_, err := svc.Ask(context.Background(), AskInput{DocumentID: "doc-1", Question: "why?"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "ASSISTANT_FAILED" {
		t.Fatalf("expected assistant failure, got %v", err)
	}
	if len(posted) != 1 || posted[0].Role != store.RoleUser {
		t.Fatalf("question not persisted before the failure: %+v", posted)
	}
}

func TestAskPersistsNormalizedAnswer(t *testing.T) {
	var posted []store.PostMessageInput
	fs := &fakeStore{
		postMessageFn: func(_ context.Context, input store.PostMessageInput) (int64, error) {
			posted = append(posted, input)
			return int64(len(posted)), nil
		},
	}
	svc, _, _ := newTestService(fs)
	svc.assistant = &fakeAssistant{
		answerFn: func(context.Context, string) (string, error) {
			return "So the rule is:\nE = mc^2\nwhich ties mass to energy.", nil
		},
	}

	result, err := svc.Ask(context.Background(), AskInput{DocumentID: "doc-1", Question: "why?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(result.Answer, "$$\nE = mc^2\n$$") {
		t.Fatalf("equation not normalized: %q", result.Answer)
	}
	if len(posted) != 2 || posted[1].Role != store.RoleAssistant {
		t.Fatalf("expected question then answer, got %+v", posted)
	}
	if posted[1].Content != result.Answer {
		t.Fatal("stored answer differs from returned answer")
	}
}

func TestAskRejectsForeignAnnotation(t *testing.T) {
	annID := int64(5)
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, int64) (store.Annotation, error) {
			return store.Annotation{ID: annID, DocumentID: "other-doc", PageNumber: 1}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.Ask(context.Background(), AskInput{DocumentID: "doc-1", Question: "why?", AnnotationID: &annID})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "VALIDATION" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAskUnknownDocument(t *testing.T) {
	fs := &fakeStore{
		getFileByDocumentFn: func(context.Context, string) (store.File, error) {
			return store.File{}, sql.ErrNoRows
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.Ask(context.Background(), AskInput{DocumentID: "missing", Question: "why?"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAskRegionAnnotationUsesVision(t *testing.T) {
	annID := int64(5)
	blobKey := "regions/region_abc.png"
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, int64) (store.Annotation, error) {
			return store.Annotation{
				ID: annID, DocumentID: "doc-1", PageNumber: 1,
				Kind: store.AnnotationRegion, RegionBlobKey: &blobKey,
			}, nil
		},
	}
	svc, _, _ := newTestService(fs)
	visionCalled := false
	svc.assistant = &fakeAssistant{
		imageFn: func(_ context.Context, _ string, _ []byte, mimeType string) (string, error) {
			visionCalled = true
			if mimeType != "image/png" {
				t.Fatalf("mime %q", mimeType)
			}
			return "seen", nil
		},
	}

	if _, err := svc.Ask(context.Background(), AskInput{DocumentID: "doc-1", Question: "what is this?", AnnotationID: &annID}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !visionCalled {
		t.Fatal("vision path not used for region annotation")
	}
}

func TestDeleteFileClearsDerivedState(t *testing.T) {
	fs := &fakeStore{
		deleteFileCascadeFn: func(context.Context, int64) (store.CascadeResult, error) {
			return store.CascadeResult{
				DocumentIDs: []string{"doc-1", "chat_a"},
				BlobKeys:    []string{"users/user_1/files/1.pdf", "regions/region_abc.png"},
			}, nil
		},
	}
	svc, blobs, cache := newTestService(fs)

	if err := svc.DeleteFile(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(blobs.removed) != 2 {
		t.Fatalf("removed blobs %v", blobs.removed)
	}
	if len(cache.invalidated) != 2 {
		t.Fatalf("invalidated %v", cache.invalidated)
	}
}

func TestDeleteFileNotFound(t *testing.T) {
	fs := &fakeStore{
		deleteFileCascadeFn: func(context.Context, int64) (store.CascadeResult, error) {
			return store.CascadeResult{}, sql.ErrNoRows
		},
	}
	svc, _, _ := newTestService(fs)

	err := svc.DeleteFile(context.Background(), 99)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveHighlightRejectsBadOffsets(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})

	_, err := svc.SaveHighlight(context.Background(), SaveHighlightInput{
		AnnotationID: 1, MessageID: 2, StartOffset: 10, EndOffset: 4,
	})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "VALIDATION" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPromoteAnnotationTitleFromSelection(t *testing.T) {
	long := strings.Repeat("manifold ", 20)
	var gotTitle string
	fs := &fakeStore{
		getAnnotationFn: func(context.Context, int64) (store.Annotation, error) {
			return store.Annotation{ID: 4, DocumentID: "doc-1", SelectedText: &long}, nil
		},
		standaloneChatFn: func(_ context.Context, _ int64, _ *int64, title string, sourceAnnotationID *int64) (store.StandaloneChat, error) {
			gotTitle = title
			if sourceAnnotationID == nil || *sourceAnnotationID != 4 {
				t.Fatal("annotation link not forwarded")
			}
			return store.StandaloneChat{FileID: 2, DocumentID: "chat_x", ThreadID: 3, Title: title}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	if _, err := svc.PromoteAnnotation(context.Background(), PromoteAnnotationInput{AnnotationID: 4}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(gotTitle) > 63 || !strings.HasSuffix(gotTitle, "...") {
		t.Fatalf("title not truncated: %q", gotTitle)
	}
}

func TestFileDownloadURLRequiresBlob(t *testing.T) {
	fs := &fakeStore{
		getFileFn: func(context.Context, int64) (store.File, error) {
			return store.File{ID: 1, DocumentID: "chat_x"}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.FileDownloadURL(context.Background(), 1)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "VALIDATION" {
		t.Fatalf("expected validation error for chat file, got %v", err)
	}
}

func TestFileDownloadURLPresigns(t *testing.T) {
	key := "users/user_1/files/1.pdf"
	fs := &fakeStore{
		getFileFn: func(context.Context, int64) (store.File, error) {
			return store.File{ID: 1, BlobKey: &key}, nil
		},
	}
	svc, blobs, _ := newTestService(fs)

	url, err := svc.FileDownloadURL(context.Background(), 1)
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	if url != "https://blobs.local/"+key {
		t.Fatalf("got %q", url)
	}
	if len(blobs.presigned) != 1 {
		t.Fatal("presign not called")
	}
}

func TestSearchWithoutBackend(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})

	resp, err := svc.Search(context.Background(), search.Query{Text: "anything"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty results, got %+v", resp)
	}
}

func TestAskStandaloneChatWithoutPages(t *testing.T) {
	fs := &fakeStore{
		getPagesFn: func(context.Context, string) ([]store.PageText, error) {
			return []store.PageText{}, nil
		},
	}
	svc, _, _ := newTestService(fs)
	var prompt string
	svc.assistant = &fakeAssistant{
		answerFn: func(_ context.Context, p string) (string, error) {
			prompt = p
			return "fine", nil
		},
	}

	if _, err := svc.Ask(context.Background(), AskInput{DocumentID: "chat_x", Question: "hello"}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(prompt, "hello") {
		t.Fatalf("question missing from prompt: %q", prompt)
	}
}

func TestUploadRegionRejectsBadMime(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})

	_, err := svc.UploadRegion(context.Background(), UploadRegionInput{
		DocumentID: "doc-1", PageNumber: 1, Image: []byte{1}, MimeType: "image/gif",
	})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != "VALIDATION" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUploadRegionStoresImage(t *testing.T) {
	var putKey string
	fs := &fakeStore{}
	svc, blobs, _ := newTestService(fs)
	blobs.putFn = func(_ context.Context, key string, _ io.Reader, _ int64, contentType string) error {
		putKey = key
		if contentType != "image/png" {
			t.Fatalf("content type %q", contentType)
		}
		return nil
	}

	if _, err := svc.UploadRegion(context.Background(), UploadRegionInput{
		DocumentID: "doc-1", PageNumber: 2, Image: []byte{1, 2}, MimeType: "image/png",
	}); err != nil {
		t.Fatalf("upload region: %v", err)
	}
	if !strings.HasPrefix(putKey, "regions/region_") || !strings.HasSuffix(putKey, ".png") {
		t.Fatalf("unexpected region key %q", putKey)
	}
}
