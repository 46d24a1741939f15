package article

import (
	"context"
	"time"
)

// Page is a single browser tab driven by the resolver.
type Page interface {
	// Navigate opens url and returns once the DOM is parsed.
	Navigate(ctx context.Context, url string) (Navigation, error)
	// Count returns how many elements match selector right now.
	Count(ctx context.Context, selector string) (int, error)
	// Attribute reads name from the first element matching selector.
	Attribute(ctx context.Context, selector, name string) (string, error)
	// Location returns the document URL after scripts and redirects ran.
	Location(ctx context.Context) (string, error)
	// Close releases the tab and anything it owns.
	Close() error
}

// PageOpener hands out fresh pages.
type PageOpener interface {
	OpenPage(ctx context.Context) (Page, error)
}

// Resolver turns a viewer URL into a Resolution. Implementations never fail.
type Resolver interface {
	Resolve(ctx context.Context, viewerURL string) Resolution
}

// RecordSource returns the records still lacking a publisher URL.
type RecordSource interface {
	FetchUnprocessed(ctx context.Context) ([]Record, error)
}

// RecordSink writes a resolved URL back to the source row identified by guid.
type RecordSink interface {
	MarkResolved(ctx context.Context, guid, publisherURL string) error
}

// Publisher delivers the enriched records of a run downstream.
type Publisher interface {
	Publish(ctx context.Context, records []Enriched) error
}

// AttemptStore persists resolution attempts.
type AttemptStore interface {
	StoreAttempt(ctx context.Context, attempt Attempt) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RunStore tracks the lifecycle of batch runs.
type RunStore interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	FinishRun(ctx context.Context, report RunReport) error
}

// Run status values persisted by RunStore implementations.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunStatus derives the terminal status of a run from its report.
func RunStatus(r RunReport) string {
	if r.FetchError != "" || r.PublishError != "" {
		return RunFailed
	}
	return RunCompleted
}
