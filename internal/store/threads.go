package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrThreadRootMissing is returned when a thread would be created with
// neither a file nor a source annotation to root it.
var ErrThreadRootMissing = errors.New("chat thread needs a file or a source annotation root")

// EnsureThread fetches or creates the thread for a root. Roots are unique
// (partial unique indexes on file_id and source_annotation_id), so repeated
// calls for the same root always land on the same thread instead of
// multiplying it.
func (s *PostgresStore) EnsureThread(ctx context.Context, fileID, sourceAnnotationID *int64, title string) (int64, error) {
	if fileID == nil && sourceAnnotationID == nil {
		return 0, ErrThreadRootMissing
	}

	var (
		id  int64
		err error
	)
	if sourceAnnotationID != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT id FROM chat_threads WHERE source_annotation_id=$1
		`, *sourceAnnotationID).Scan(&id)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT id FROM chat_threads WHERE file_id=$1 AND source_annotation_id IS NULL
		`, *fileID).Scan(&id)
	}
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup thread root: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chat_threads (file_id, source_annotation_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, fileID, sourceAnnotationID, title).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a race against a concurrent create; the root's thread exists now.
		return s.EnsureThread(ctx, fileID, sourceAnnotationID, title)
	}
	if err != nil {
		return 0, fmt.Errorf("create thread: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (ChatThread, error) {
	var item ChatThread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, source_annotation_id, COALESCE(title, ''), created_at
		FROM chat_threads
		WHERE id=$1
	`, threadID).Scan(&item.ID, &item.FileID, &item.SourceAnnotationID, &item.Title, &item.CreatedAt)
	if err != nil {
		return ChatThread{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListThreadsByFile(ctx context.Context, fileID int64) ([]ChatThread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, source_annotation_id, COALESCE(title, ''), created_at
		FROM chat_threads
		WHERE file_id=$1
		ORDER BY created_at ASC
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list threads by file: %w", err)
	}
	defer rows.Close()

	items := make([]ChatThread, 0)
	for rows.Next() {
		var item ChatThread
		if err := rows.Scan(&item.ID, &item.FileID, &item.SourceAnnotationID, &item.Title, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

// ThreadByAnnotation resolves the thread spawned from an annotation, if any,
// returning nil without error when the annotation never grew one.
func (s *PostgresStore) ThreadByAnnotation(ctx context.Context, annotationID int64) (*ChatThread, error) {
	var item ChatThread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, source_annotation_id, COALESCE(title, ''), created_at
		FROM chat_threads
		WHERE source_annotation_id=$1
	`, annotationID).Scan(&item.ID, &item.FileID, &item.SourceAnnotationID, &item.Title, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("thread by annotation: %w", err)
	}
	return &item, nil
}

type PostMessageInput struct {
	ThreadID     *int64
	DocumentID   string
	Role         string
	Content      string
	AnnotationID *int64
	Reference    json.RawMessage
}

// PostMessage persists a message. When a thread is given, the document id is
// resolved from the thread's root — annotation document first, file document
// otherwise — and never trusted from the caller, keeping the denormalized
// column consistent with thread membership.
func (s *PostgresStore) PostMessage(ctx context.Context, input PostMessageInput) (int64, error) {
	documentID := input.DocumentID
	if input.ThreadID != nil {
		resolved, err := s.threadDocumentID(ctx, *input.ThreadID)
		if err != nil {
			return 0, err
		}
		documentID = resolved
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (chat_thread_id, document_id, role, content, annotation_id, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, input.ThreadID, documentID, input.Role, input.Content, input.AnnotationID, nullableJSON(input.Reference)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("post message: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) threadDocumentID(ctx context.Context, threadID int64) (string, error) {
	var documentID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(a.document_id, f.document_id)
		FROM chat_threads ct
		LEFT JOIN annotations a ON a.id = ct.source_annotation_id
		LEFT JOIN files f ON f.id = ct.file_id
		WHERE ct.id=$1
	`, threadID).Scan(&documentID)
	if err != nil {
		return "", fmt.Errorf("resolve thread document: %w", err)
	}
	if !documentID.Valid {
		return "", fmt.Errorf("thread %d has no resolvable root document", threadID)
	}
	return documentID.String, nil
}

func (s *PostgresStore) ListMessagesByThread(ctx context.Context, threadID int64) ([]Message, error) {
	return s.listMessages(ctx, `WHERE chat_thread_id=$1`, threadID)
}

func (s *PostgresStore) ListMessagesByDocument(ctx context.Context, documentID string) ([]Message, error) {
	return s.listMessages(ctx, `WHERE document_id=$1`, documentID)
}

func (s *PostgresStore) ListMessagesByAnnotation(ctx context.Context, annotationID int64) ([]Message, error) {
	return s.listMessages(ctx, `WHERE annotation_id=$1`, annotationID)
}

func (s *PostgresStore) listMessages(ctx context.Context, where string, arg any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_thread_id, document_id, role, content, annotation_id, reference, created_at
		FROM messages
		`+where+`
		ORDER BY created_at ASC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		var reference []byte
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.DocumentID, &item.Role, &item.Content, &item.AnnotationID, &reference, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		item.Reference = reference
		item.Content = CleanMathBlocks(item.Content)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}
