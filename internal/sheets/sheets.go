// Package sheets reads article rows from a Google spreadsheet and writes
// resolved publisher URLs back to them.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/JakeFAU/gnews-resolver/internal/article"
)

// ErrRowNotFound is returned when no row carries the requested guid.
var ErrRowNotFound = errors.New("sheet row not found")

// Config describes the spreadsheet layout.
type Config struct {
	CredentialsFile  string
	SpreadsheetID    string
	Range            string
	Columns          []string
	GUIDColumn       string
	LinkColumn       string
	TitleColumn      string
	PublisherColumn  string
	HeaderRows       int
	ValueInputOption string
}

type valuesAPI interface {
	Get(ctx context.Context, spreadsheetID, readRange string) ([][]any, error)
	Update(ctx context.Context, spreadsheetID, writeRange, inputOption string, values [][]any) error
}

// Store is an article.RecordSource and article.RecordSink backed by one
// sheet range.
type Store struct {
	api    valuesAPI
	cfg    Config
	logger *zap.Logger

	layout  rangeLayout
	columns map[string]int
}

var (
	_ article.RecordSource = (*Store)(nil)
	_ article.RecordSink   = (*Store)(nil)
)

// New creates a Store talking to the Sheets API. Extra client options are
// appended after the credentials, so tests can point it at a local endpoint.
func New(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Store, error) {
	clientOpts := []option.ClientOption{option.WithScopes(gsheets.SpreadsheetsScope)}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := gsheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewWithAPI(&serviceValues{svc: svc}, cfg, logger)
}

// NewWithAPI creates a Store over an arbitrary values API.
func NewWithAPI(api valuesAPI, cfg Config, logger *zap.Logger) (*Store, error) {
	if api == nil {
		return nil, errors.New("sheets api is required")
	}
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ValueInputOption == "" {
		cfg.ValueInputOption = "USER_ENTERED"
	}
	layout, err := parseRange(cfg.Range)
	if err != nil {
		return nil, err
	}
	columns := make(map[string]int, len(cfg.Columns))
	for i, name := range cfg.Columns {
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}
	for _, required := range []string{cfg.GUIDColumn, cfg.LinkColumn, cfg.PublisherColumn} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("column %q is not part of the sheet layout", required)
		}
	}
	return &Store{
		api:     api,
		cfg:     cfg,
		logger:  logger,
		layout:  layout,
		columns: columns,
	}, nil
}

// FetchUnprocessed returns every row with a viewer link and no publisher URL.
func (s *Store) FetchUnprocessed(ctx context.Context) ([]article.Record, error) {
	rows, err := s.api.Get(ctx, s.cfg.SpreadsheetID, s.cfg.Range)
	if err != nil {
		return nil, fmt.Errorf("read sheet range %s: %w", s.cfg.Range, err)
	}

	var records []article.Record
	skipped := 0
	for i, row := range rows {
		if i < s.cfg.HeaderRows {
			continue
		}
		fields := s.rowFields(row)
		if strings.TrimSpace(fields[s.cfg.PublisherColumn]) != "" {
			continue
		}
		link := strings.TrimSpace(fields[s.cfg.LinkColumn])
		if link == "" {
			skipped++
			continue
		}
		records = append(records, article.Record{
			Title:      fields[s.cfg.TitleColumn],
			ViewerLink: link,
			GUID:       fields[s.cfg.GUIDColumn],
			Fields:     fields,
			Row:        s.layout.startRow + i,
		})
	}

	s.logger.Info("fetched sheet rows",
		zap.Int("rows", len(rows)),
		zap.Int("unprocessed", len(records)),
		zap.Int("skipped_without_link", skipped),
	)
	return records, nil
}

// MarkResolved writes url into the publisher column of the row whose guid
// column equals guid. The range is re-read so rows inserted since the fetch
// do not shift the write.
func (s *Store) MarkResolved(ctx context.Context, guid, url string) error {
	if guid == "" {
		return fmt.Errorf("%w: empty guid", ErrRowNotFound)
	}
	rows, err := s.api.Get(ctx, s.cfg.SpreadsheetID, s.cfg.Range)
	if err != nil {
		return fmt.Errorf("read sheet range %s: %w", s.cfg.Range, err)
	}

	guidIdx := s.columns[s.cfg.GUIDColumn]
	for i, row := range rows {
		if i < s.cfg.HeaderRows || guidIdx >= len(row) || cellString(row[guidIdx]) != guid {
			continue
		}
		cell := s.layout.cell(s.columns[s.cfg.PublisherColumn], s.layout.startRow+i)
		if err := s.api.Update(ctx, s.cfg.SpreadsheetID, cell, s.cfg.ValueInputOption, [][]any{{url}}); err != nil {
			return fmt.Errorf("update %s: %w", cell, err)
		}
		s.logger.Debug("sheet row updated", zap.String("guid", guid), zap.String("cell", cell))
		return nil
	}
	return fmt.Errorf("%w: guid %s", ErrRowNotFound, guid)
}

func (s *Store) rowFields(row []any) map[string]string {
	fields := make(map[string]string, len(s.cfg.Columns))
	for i, cell := range row {
		name := "col_" + strconv.Itoa(i+1)
		if i < len(s.cfg.Columns) {
			name = s.cfg.Columns[i]
		}
		if _, seen := fields[name]; seen {
			continue
		}
		fields[name] = cellString(cell)
	}
	return fields
}

func cellString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		return fmt.Sprint(c)
	}
}

type serviceValues struct {
	svc *gsheets.Service
}

func (v *serviceValues) Get(ctx context.Context, spreadsheetID, readRange string) ([][]any, error) {
	resp, err := v.svc.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (v *serviceValues) Update(ctx context.Context, spreadsheetID, writeRange, inputOption string, values [][]any) error {
	_, err := v.svc.Spreadsheets.Values.Update(spreadsheetID, writeRange, &gsheets.ValueRange{Values: values}).
		ValueInputOption(inputOption).
		Context(ctx).
		Do()
	return err
}
