package store

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Annotation kinds.
const (
	AnnotationText   = "text"
	AnnotationRegion = "region"
)

type User struct {
	ID        int64
	Email     string
	CreatedAt time.Time
}

type Folder struct {
	ID        int64
	Name      string
	ParentID  *int64
	UserID    int64
	CreatedAt time.Time
}

// File is the stable identity for an uploaded document. DocumentID is the
// external handle annotations and messages key on; BlobKey stays empty until
// the object upload commits (two-phase creation). ParentFileID is derived,
// not stored: for a chat promoted from a highlight it names the file whose
// annotation spawned it.
type File struct {
	ID           int64
	FolderID     *int64
	DocumentID   string
	Title        string
	BlobKey      *string
	UserID       int64
	ParentFileID *int64
	CreatedAt    time.Time
}

type Annotation struct {
	ID            int64
	DocumentID    string
	PageNumber    int
	Kind          string
	Geometry      json.RawMessage
	SelectedText  *string
	RegionID      *string
	RegionBlobKey *string
	CreatedAt     time.Time
}

// ChatThread roots at a file (document-level) or at an annotation
// (highlight-level). Both are populated once a highlight chat has been
// promoted into its own standalone file.
type ChatThread struct {
	ID                 int64
	FileID             *int64
	SourceAnnotationID *int64
	Title              string
	CreatedAt          time.Time
}

type Message struct {
	ID           int64
	ThreadID     *int64
	DocumentID   string
	Role         string
	Content      string
	AnnotationID *int64
	Reference    json.RawMessage
	CreatedAt    time.Time
}

// ChatHighlight points a later annotation back at a character span of a
// message's content. It is a back-reference, never an ownership edge.
type ChatHighlight struct {
	ID           int64
	AnnotationID int64
	MessageID    int64
	Start        int
	End          int
	CreatedAt    time.Time
}

type PageText struct {
	PageNumber int    `json:"pageNumber"`
	Text       string `json:"text"`
}

// StandaloneChat is what CreateStandaloneChat returns: the synthetic file
// plus its document-level thread.
type StandaloneChat struct {
	FileID     int64
	DocumentID string
	ThreadID   int64
	Title      string
}

// AnnotationDeletion is handed back to the caller after an annotation
// cascade so the stored objects can be removed from blob storage: the
// annotation's own region image plus anything released by promoted chat
// files that fell with it.
type AnnotationDeletion struct {
	DocumentID       string
	RegionBlobKey    *string
	ChildDocumentIDs []string
	BlobKeys         []string
}
