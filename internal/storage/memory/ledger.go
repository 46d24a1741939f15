package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// Run is the in-memory view of one batch run.
type Run struct {
	ID        string
	StartedAt time.Time
	Status    string
	Report    *article.RunReport
}

// Ledger keeps attempts and runs in memory for development and tests.
type Ledger struct {
	mu       sync.RWMutex
	runs     map[string]Run
	attempts map[string][]article.Attempt
}

var (
	_ article.AttemptStore = (*Ledger)(nil)
	_ article.RunStore     = (*Ledger)(nil)
)

// NewLedger constructs a Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		runs:     make(map[string]Run),
		attempts: make(map[string][]article.Attempt),
	}
}

// StartRun registers a running batch.
func (l *Ledger) StartRun(_ context.Context, runID string, startedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.runs[runID]; exists {
		return errors.New("run already exists")
	}
	l.runs[runID] = Run{ID: runID, StartedAt: startedAt, Status: article.RunRunning}
	return nil
}

// FinishRun stores the final report of a started run.
func (l *Ledger) FinishRun(_ context.Context, report article.RunReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[report.RunID]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = article.RunStatus(report)
	run.Report = &report
	l.runs[report.RunID] = run
	return nil
}

// StoreAttempt appends an attempt to its run.
func (l *Ledger) StoreAttempt(_ context.Context, attempt article.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[attempt.RunID] = append(l.attempts[attempt.RunID], attempt)
	return nil
}

// GetRun fetches a run by ID.
func (l *Ledger) GetRun(runID string) (Run, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.runs[runID]
	return run, ok
}

// Attempts returns the attempts recorded for a run.
func (l *Ledger) Attempts(runID string) []article.Attempt {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]article.Attempt, len(l.attempts[runID]))
	copy(out, l.attempts[runID])
	return out
}
