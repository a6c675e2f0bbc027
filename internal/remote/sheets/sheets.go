// Package sheets implements remote.Backend on the Google Sheets API.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/geultto/sheetsync/internal/remote"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Config holds the spreadsheet connection settings.
type Config struct {
	// SpreadsheetID identifies the spreadsheet.
	SpreadsheetID string

	// CredentialsFile is a service account key file.
	CredentialsFile string
}

// Backend reads and writes a single spreadsheet.
type Backend struct {
	svc           *sheets.Service
	spreadsheetID string
}

// New connects to the spreadsheet described by cfg.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Backend, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, option.WithScopes(sheets.SpreadsheetsScope))

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", classify(err))
	}
	return &Backend{svc: svc, spreadsheetID: cfg.SpreadsheetID}, nil
}

// RowCount counts the occupied cells of column A, which is how the bot has
// always located the next free row.
func (b *Backend) RowCount(ctx context.Context, sheet string) (int, error) {
	resp, err := b.svc.Spreadsheets.Values.Get(b.spreadsheetID, a1(sheet, "A:A")).
		MajorDimension("COLUMNS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, classify(err)
	}
	if len(resp.Values) == 0 {
		return 0, nil
	}
	return len(resp.Values[0]), nil
}

// WriteRows implements remote.Backend.
func (b *Backend) WriteRows(ctx context.Context, sheet string, startRow int, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		values[i] = cells
	}

	rng := a1(sheet, fmt.Sprintf("A%d", startRow))
	_, err := b.svc.Spreadsheets.Values.Update(b.spreadsheetID, rng, &sheets.ValueRange{
		MajorDimension: "ROWS",
		Values:         values,
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

// ReadRows implements remote.Backend.
func (b *Backend) ReadRows(ctx context.Context, sheet string) ([][]string, error) {
	resp, err := b.svc.Spreadsheets.Values.Get(b.spreadsheetID, a1(sheet, "")).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(err)
	}

	rows := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		rows[i] = cells
	}
	return rows, nil
}

// Clear implements remote.Backend.
func (b *Backend) Clear(ctx context.Context, sheet string) error {
	_, err := b.svc.Spreadsheets.Values.Clear(b.spreadsheetID, a1(sheet, ""), &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

// a1 builds an A1 range on sheet. The sheet name is always quoted so names
// with spaces or apostrophes stay valid. An empty cells covers the whole sheet.
func a1(sheet, cells string) string {
	quoted := "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
	if cells == "" {
		return quoted
	}
	return quoted + "!" + cells
}

// classify maps Google API errors onto the remote error kinds.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport errors and deadlines are classified by the client.
		return err
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", remote.ErrRateLimited, err)
	case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", remote.ErrAuthFailure, err)
	case gerr.Code >= 500:
		return fmt.Errorf("%w: %v", remote.ErrNetwork, err)
	default:
		return fmt.Errorf("%w: %v", remote.ErrRemoteRejected, err)
	}
}
