// Package webhook delivers enriched records to an HTTP webhook.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

const maxBodyInError = 512

// StatusError reports a non-2xx webhook response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.StatusCode, e.Body)
}

// Publisher POSTs the run payload as JSON. It does not retry.
type Publisher struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

var _ article.Publisher = (*Publisher)(nil)

// New creates a Publisher for url.
func New(url string, timeout time.Duration, logger *zap.Logger) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	client.SetHeader("Content-Type", "application/json")
	return &Publisher{client: client, url: url, logger: logger}, nil
}

// Publish sends {"processed_articles": records}.
func (p *Publisher) Publish(ctx context.Context, records []article.Enriched) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(article.NewPayload(records)).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return &StatusError{StatusCode: resp.StatusCode(), Body: truncateBody(resp.String(), maxBodyInError)}
	}
	p.logger.Info("webhook delivered",
		zap.Int("records", len(records)),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("latency", resp.Time()),
	)
	return nil
}

// truncateBody cuts body to at most limit bytes without splitting a rune.
func truncateBody(body string, limit int) string {
	if len(body) <= limit {
		return body
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
