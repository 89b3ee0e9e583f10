package models

import "time"

// RetrievalHit is one ranked turn returned by retrieval.
type RetrievalHit struct {
	SequenceID    int64     `json:"sequence_id"`
	Role          Role      `json:"role"`
	Timestamp     time.Time `json:"timestamp"`
	Text          string    `json:"text"`
	Score         float64   `json:"score"`
	SemanticScore float64   `json:"semantic_score"`
	KeywordScore  float64   `json:"keyword_score,omitempty"`
	Rank          int       `json:"rank"`
}

// RetrieveResponse is the response for a retrieval request.
// Context is the formatted block handed to the agent; Hits carry the same items in rank order.
type RetrieveResponse struct {
	Namespace string          `json:"namespace"`
	Query     string          `json:"query"`
	Mode      string          `json:"mode"`
	Context   string          `json:"context"`
	Hits      []*RetrievalHit `json:"hits"`
	QueryTime int64           `json:"query_time_ms"`
}

// BuildReport summarizes one maintenance pass.
type BuildReport struct {
	RunID      string            `json:"run_id"`
	Namespace  string            `json:"namespace"`
	Rederived  int               `json:"rederived"`
	Embedded   int               `json:"embedded"`
	Failed     int               `json:"failed"`
	IndexSize  int               `json:"index_size"`
	Duration   time.Duration     `json:"duration_ns"`
	RowErrors  []*IndexRowError  `json:"-"`
	FailedRows []FailedRowReport `json:"failed_rows,omitempty"`
}

// FailedRowReport is the serializable form of a row that hit the failure threshold.
type FailedRowReport struct {
	SequenceID int64  `json:"sequence_id"`
	Failures   int    `json:"failures"`
	LastError  string `json:"last_error"`
}
