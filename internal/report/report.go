// Package report builds and archives per-run summaries.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// Path returns prefix/YYYY/MM/DD/<run id>.json for the run start date.
func Path(prefix string, r article.RunReport) string {
	day := r.StartedAt.UTC().Format("2006/01/02")
	return path.Join(strings.Trim(prefix, "/"), day, r.RunID+".json")
}

// Archive writes r as indented JSON to store and returns the object URI.
func Archive(ctx context.Context, store article.BlobStore, prefix string, r article.RunReport) (string, error) {
	if r.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run report: %w", err)
	}
	uri, err := store.PutObject(ctx, Path(prefix, r), "application/json", data)
	if err != nil {
		return "", fmt.Errorf("archive run report: %w", err)
	}
	return uri, nil
}
