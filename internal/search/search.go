package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMessage    ResultType = "message"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	PageNumber int        `json:"pageNumber,omitempty"`
	Role       string     `json:"role,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterDocumentID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexMessage(m MessageRecord) error
	IndexAnnotation(a AnnotationRecord) error
	DeleteByDocument(documentID string) error
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Role       string `json:"role"`
	DocumentID string `json:"documentId"`
}

// AnnotationRecord is the data we index for an annotation's selected text.
type AnnotationRecord struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	DocumentID string `json:"documentId"`
	PageNumber int    `json:"pageNumber"`
}
