package memory

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

func TestLedgerLifecycle(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ctx := context.Background()
	started := time.Unix(1700000000, 0).UTC()

	if err := ledger.StartRun(ctx, "run-1", started); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := ledger.StartRun(ctx, "run-1", started); err == nil {
		t.Fatal("expected duplicate run error")
	}
	if err := ledger.StoreAttempt(ctx, article.Attempt{RunID: "run-1", GUID: "g1", Outcome: article.OutcomeSelector}); err != nil {
		t.Fatalf("StoreAttempt() error = %v", err)
	}
	if err := ledger.FinishRun(ctx, article.RunReport{RunID: "run-1", PublishError: "boom"}); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}
	if err := ledger.FinishRun(ctx, article.RunReport{RunID: "missing"}); err == nil {
		t.Fatal("expected error for unknown run")
	}

	run, ok := ledger.GetRun("run-1")
	if !ok || run.Status != article.RunFailed || run.Report == nil {
		t.Fatalf("unexpected run %+v", run)
	}
	attempts := ledger.Attempts("run-1")
	if len(attempts) != 1 || attempts[0].GUID != "g1" {
		t.Fatalf("unexpected attempts %+v", attempts)
	}
	attempts[0].GUID = "mutated"
	if ledger.Attempts("run-1")[0].GUID != "g1" {
		t.Fatal("expected Attempts() to return a copy")
	}
}
