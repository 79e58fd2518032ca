package server

// QueryRequest is the body of POST /api/v1/query. Entities and intent are
// optional: a caller that already extracted them passes them through, and
// the pipeline classifies the query itself when they are omitted.
type QueryRequest struct {
	Query    string   `json:"query"`
	Entities []string `json:"entities,omitempty"`
	Intent   string   `json:"intent,omitempty"`
}

// VerifyRequest is the body of POST /api/v1/verify. The answer is checked
// claim by claim against freshly retrieved evidence for the query.
type VerifyRequest struct {
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

// FeedbackRequest is the body of POST /api/v1/feedback.
type FeedbackRequest struct {
	QueryID     string   `json:"query_id"`
	Verdict     string   `json:"verdict"`
	SourceKinds []string `json:"source_kinds,omitempty"`
	Comment     string   `json:"comment,omitempty"`
}

// FeedbackResponse acknowledges an accepted submission.
type FeedbackResponse struct {
	ID string `json:"id"`
}

// HTTPError is the uniform error body.
type HTTPError struct {
	Error string `json:"error"`
}
