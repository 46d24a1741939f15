// Package article defines core types shared across the resolver subsystems.
package article

import (
	"encoding/json"
	"time"
)

// Outcome classifies how a single resolution attempt ended.
type Outcome string

// Resolution outcome values reported to logs, metrics and the ledger.
const (
	OutcomeSelector        Outcome = "selector"
	OutcomeRedirect        Outcome = "redirect"
	OutcomeExhausted       Outcome = "exhausted"
	OutcomeNavigationError Outcome = "navigation_error"
	OutcomeError           Outcome = "error"
)

// SourceRedirect is the Source value recorded when the publisher URL came from
// the page location instead of a selector.
const SourceRedirect = "redirect"

// Record is one article row read from the record source.
type Record struct {
	Title      string
	ViewerLink string
	GUID       string
	// Fields holds every column of the source row keyed by column name.
	Fields map[string]string
	// Row is the 1-based sheet row the record was read from, or 0 if unknown.
	Row int
}

// Resolution is the result of resolving one viewer URL.
type Resolution struct {
	PublisherURL string
	Source       string
	Outcome      Outcome
	StatusCode   int
	Err          error
}

// Resolved reports whether a publisher URL was found.
func (r Resolution) Resolved() bool {
	return r.PublisherURL != ""
}

// Enriched is a record whose publisher URL was resolved.
type Enriched struct {
	Record
	PublisherURL string
	Source       string
}

// MarshalJSON flattens the record into the payload shape expected downstream:
// the fixed keys plus every pass-through column not already present.
func (e Enriched) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["title"] = e.Title
	out["original_link"] = e.ViewerLink
	out["publisher_url"] = e.PublisherURL
	out["guid"] = e.GUID
	return json.Marshal(out)
}

// Navigation describes the main document response of a page navigation.
type Navigation struct {
	StatusCode int
	URL        string
}

// Attempt is persisted for each resolution attempt.
type Attempt struct {
	RunID        string    `json:"run_id"`
	GUID         string    `json:"guid"`
	ViewerURL    string    `json:"viewer_url"`
	PublisherURL string    `json:"publisher_url,omitempty"`
	Source       string    `json:"source,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	StatusCode   int       `json:"status_code,omitempty"`
	ErrorText    string    `json:"error_text,omitempty"`
	AttemptedAt  time.Time `json:"attempted_at"`
	DurationMs   int64     `json:"duration_ms"`
}

// RunReport summarizes one batch run.
type RunReport struct {
	RunID        string          `json:"run_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Input        int             `json:"input"`
	Resolved     int             `json:"resolved"`
	Outcomes     map[Outcome]int `json:"outcomes"`
	SinkFailures int             `json:"sink_failures"`
	Published    bool            `json:"published"`
	PublishError string          `json:"publish_error,omitempty"`
	FetchError   string          `json:"fetch_error,omitempty"`
	DryRun       bool            `json:"dry_run"`
	Attempts     []Attempt       `json:"attempts"`
}

// Payload is the body delivered to downstream consumers once per run.
type Payload struct {
	ProcessedArticles []Enriched `json:"processed_articles"`
}

// NewPayload wraps records, encoding an empty set as [] rather than null.
func NewPayload(records []Enriched) Payload {
	if records == nil {
		records = []Enriched{}
	}
	return Payload{ProcessedArticles: records}
}
