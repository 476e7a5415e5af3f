package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func (s *PostgresStore) CreateFolder(ctx context.Context, name string, userID int64, parentID *int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO folders (name, user_id, parent_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`, name, userID, parentID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create folder: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListFolders(ctx context.Context, userID int64, parentID *int64) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, parent_id, user_id, created_at
		FROM folders
		WHERE user_id = $1 AND parent_id IS NOT DISTINCT FROM $2
		ORDER BY created_at ASC
	`, userID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		var item Folder
		if err := rows.Scan(&item.ID, &item.Name, &item.ParentID, &item.UserID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

// RenameFolder reports false when the folder does not exist; the caller
// decides whether that is fatal.
func (s *PostgresStore) RenameFolder(ctx context.Context, folderID int64, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE folders SET name=$2 WHERE id=$1`, folderID, name)
	if err != nil {
		return false, fmt.Errorf("rename folder: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename folder rows: %w", err)
	}
	return affected > 0, nil
}

// SetFolderParent moves a folder under a new parent. Moving a folder into
// its own subtree would cut a cycle into the tree, so the parent chain is
// walked first and such moves are rejected.
func (s *PostgresStore) SetFolderParent(ctx context.Context, folderID int64, parentID *int64) (bool, error) {
	if parentID != nil {
		cursor := parentID
		for cursor != nil {
			if *cursor == folderID {
				return false, fmt.Errorf("folder %d cannot be moved into its own subtree", folderID)
			}
			var next *int64
			err := s.db.QueryRowContext(ctx, `SELECT parent_id FROM folders WHERE id=$1`, *cursor).Scan(&next)
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("walk folder parents: %w", err)
			}
			cursor = next
		}
	}

	result, err := s.db.ExecContext(ctx, `UPDATE folders SET parent_id=$2 WHERE id=$1`, folderID, parentID)
	if err != nil {
		return false, fmt.Errorf("set folder parent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set folder parent rows: %w", err)
	}
	return affected > 0, nil
}

// CreateFile inserts a file row with no blob key yet. The upload path calls
// CreateFileWithBlob instead so the row and the object commit together.
func (s *PostgresStore) CreateFile(ctx context.Context, folderID *int64, documentID, title string, userID int64) (int64, error) {
	return createFile(ctx, s.db, folderID, documentID, title, userID)
}

func createFile(ctx context.Context, q querier, folderID *int64, documentID, title string, userID int64) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO files (folder_id, document_id, title, user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, folderID, documentID, title, userID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	return id, nil
}

// CreateFileWithBlob runs the two-phase creation as one transaction: insert
// the row, hand the new file id to the upload callback, then record the blob
// key it returns. If the upload fails the row is rolled back, so no file
// ever persists without its blob key pointer.
func (s *PostgresStore) CreateFileWithBlob(ctx context.Context, folderID *int64, documentID, title string, userID int64, upload func(ctx context.Context, fileID int64) (string, error)) (int64, error) {
	var fileID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := createFile(ctx, tx, folderID, documentID, title, userID)
		if err != nil {
			return err
		}
		blobKey, err := upload(ctx, id)
		if err != nil {
			return fmt.Errorf("upload blob for file %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE files SET blob_key=$2 WHERE id=$1`, id, blobKey); err != nil {
			return fmt.Errorf("set blob key: %w", err)
		}
		fileID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fileID, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID int64) (File, error) {
	var item File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, folder_id, document_id, COALESCE(title, ''), blob_key, user_id, created_at
		FROM files
		WHERE id=$1
	`, fileID).Scan(&item.ID, &item.FolderID, &item.DocumentID, &item.Title, &item.BlobKey, &item.UserID, &item.CreatedAt)
	if err != nil {
		return File{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetFileByDocument(ctx context.Context, documentID string) (File, error) {
	var item File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, folder_id, document_id, COALESCE(title, ''), blob_key, user_id, created_at
		FROM files
		WHERE document_id=$1
	`, documentID).Scan(&item.ID, &item.FolderID, &item.DocumentID, &item.Title, &item.BlobKey, &item.UserID, &item.CreatedAt)
	if err != nil {
		return File{}, err
	}
	return item, nil
}

// ListFiles returns every file a user owns, newest first. For chats promoted
// from a highlight (blob-less files with an annotation-rooted thread) the
// originating file is resolved through the thread's source annotation — a
// derived join, not a stored field.
func (s *PostgresStore) ListFiles(ctx context.Context, userID int64) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			f.id,
			f.folder_id,
			f.document_id,
			COALESCE(f.title, ''),
			f.blob_key,
			f.user_id,
			f.created_at,
			pf.id AS parent_file_id
		FROM files f
		LEFT JOIN chat_threads ct
			ON ct.file_id = f.id
			AND ct.source_annotation_id IS NOT NULL
			AND f.blob_key IS NULL
		LEFT JOIN annotations a ON a.id = ct.source_annotation_id
		LEFT JOIN files pf ON pf.document_id = a.document_id
		WHERE f.user_id = $1
		ORDER BY f.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	items := make([]File, 0)
	for rows.Next() {
		var item File
		if err := rows.Scan(&item.ID, &item.FolderID, &item.DocumentID, &item.Title, &item.BlobKey, &item.UserID, &item.CreatedAt, &item.ParentFileID); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RenameFile(ctx context.Context, fileID int64, title string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE files SET title=$2 WHERE id=$1`, fileID, title)
	if err != nil {
		return false, fmt.Errorf("rename file: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename file rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DocumentIDByFile(ctx context.Context, fileID int64) (string, error) {
	return documentIDByFile(ctx, s.db, fileID)
}

func documentIDByFile(ctx context.Context, q querier, fileID int64) (string, error) {
	var documentID string
	err := q.QueryRowContext(ctx, `SELECT document_id FROM files WHERE id=$1`, fileID).Scan(&documentID)
	if err != nil {
		return "", err
	}
	return documentID, nil
}

// NextChatTitle numbers standalone chats per user by counting blob-less
// files, matching the "Chat_N" naming the UI expects.
func (s *PostgresStore) NextChatTitle(ctx context.Context, userID int64) (string, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM files WHERE user_id=$1 AND blob_key IS NULL
	`, userID).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("count chats: %w", err)
	}
	return fmt.Sprintf("Chat_%d", count+1), nil
}

// CreateStandaloneChat creates the file row representing a chat (synthetic
// document id, no blob) together with its document-level thread, atomically.
// When sourceAnnotationID is set the chat is a promoted highlight and keeps
// the back-link to its source annotation.
func (s *PostgresStore) CreateStandaloneChat(ctx context.Context, userID int64, folderID *int64, title string, sourceAnnotationID *int64) (StandaloneChat, error) {
	if title == "" {
		next, err := s.NextChatTitle(ctx, userID)
		if err != nil {
			return StandaloneChat{}, err
		}
		title = next
	}
	documentID := "chat_" + uuid.NewString()

	var chat StandaloneChat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		fileID, err := createFile(ctx, tx, folderID, documentID, title, userID)
		if err != nil {
			return err
		}
		var threadID int64
		if sourceAnnotationID != nil {
			// The annotation may already carry a thread from earlier
			// questions. Adopt it instead of colliding with the root
			// uniqueness index.
			err = tx.QueryRowContext(ctx, `
				UPDATE chat_threads SET file_id=$1, title=$2
				WHERE source_annotation_id=$3
				RETURNING id
			`, fileID, title, *sourceAnnotationID).Scan(&threadID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("adopt chat thread: %w", err)
			}
			if err == nil {
				chat = StandaloneChat{FileID: fileID, DocumentID: documentID, ThreadID: threadID, Title: title}
				return nil
			}
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO chat_threads (file_id, source_annotation_id, title)
			VALUES ($1, $2, $3)
			RETURNING id
		`, fileID, sourceAnnotationID, title).Scan(&threadID)
		if err != nil {
			return fmt.Errorf("create chat thread: %w", err)
		}
		chat = StandaloneChat{FileID: fileID, DocumentID: documentID, ThreadID: threadID, Title: title}
		return nil
	})
	if err != nil {
		return StandaloneChat{}, err
	}
	return chat, nil
}
