// Package excel imports decks and cards from xlsx and csv spreadsheets.
package excel

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/example/srsengine/internal/logging"
	"github.com/example/srsengine/pkg/models"
)

// ImportConfig defines the import configuration
type ImportConfig struct {
	FrontColumn string // Column with the card front
	BackColumn  string // Column with the card back
	DeckColumn  string // Column with the deck name, empty to use the current deck
	SheetName   string // Sheet to import, empty for the first sheet
	StartRow    int    // The row to start importing from (1-based index)
	MaxRows     int    // Rows processed at most, 0 for no limit
	DefaultDeck string // Deck used until a row or header names another
}

// DefaultImportConfig returns the default import configuration
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		FrontColumn: "A",
		BackColumn:  "B",
		DeckColumn:  "C",
		StartRow:    2, // skip the header
		MaxRows:     5000,
		DefaultDeck: "General",
	}
}

// ImportResult holds the result of an import operation
type ImportResult struct {
	TotalProcessed int
	DecksCreated   int
	Created        int
	Skipped        int
	Truncated      bool
	Errors         []string
}

// Row is one card read from a spreadsheet
type Row struct {
	Line  int
	Deck  string
	Front string
	Back  string
}

// Target receives the imported decks and cards
type Target interface {
	EnsureDeck(ctx context.Context, userID, name string) (*models.Deck, bool, error)
	AddCard(ctx context.Context, userID, deckID, front, back string) (*models.Card, error)
}

// Importer loads spreadsheets into a user's decks
type Importer struct {
	target Target
	cfg    ImportConfig
	logger zerolog.Logger
}

// NewImporter creates an importer writing into target
func NewImporter(target Target, cfg ImportConfig) *Importer {
	def := DefaultImportConfig()
	if cfg.FrontColumn == "" {
		cfg.FrontColumn = def.FrontColumn
	}
	if cfg.BackColumn == "" {
		cfg.BackColumn = def.BackColumn
	}
	if cfg.StartRow < 1 {
		cfg.StartRow = 1
	}
	if cfg.DefaultDeck == "" {
		cfg.DefaultDeck = def.DefaultDeck
	}
	return &Importer{target: target, cfg: cfg, logger: logging.Component("import")}
}

// ImportFile imports an xlsx or csv file from disk
func (im *Importer) ImportFile(ctx context.Context, userID, path string) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()
	return im.Import(ctx, userID, filepath.Base(path), f)
}

// Import reads a spreadsheet and creates its decks and cards. The file
// name decides the format: .csv is read as csv, anything else as xlsx.
func (im *Importer) Import(ctx context.Context, userID, name string, r io.Reader) (*ImportResult, error) {
	var (
		rows []Row
		err  error
	)
	if strings.EqualFold(filepath.Ext(name), ".csv") {
		rows, err = ParseCSV(r, im.cfg)
	} else {
		rows, err = ParseExcel(r, im.cfg)
	}
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Errors: make([]string, 0)}
	if im.cfg.MaxRows > 0 && len(rows) > im.cfg.MaxRows {
		rows = rows[:im.cfg.MaxRows]
		result.Truncated = true
	}

	decks := map[string]string{}
	seen := map[string]bool{}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.TotalProcessed++
		if err := im.apply(ctx, userID, row, decks, seen, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", row.Line, err))
		}
	}

	im.logger.Info().
		Str("user_id", userID).
		Str("file", name).
		Int("processed", result.TotalProcessed).
		Int("created", result.Created).
		Int("skipped", result.Skipped).
		Int("errors", len(result.Errors)).
		Msg("import finished")
	return result, nil
}

var errEmptyField = errors.New("front and back must not be empty")

func (im *Importer) apply(ctx context.Context, userID string, row Row, decks map[string]string, seen map[string]bool, result *ImportResult) error {
	if row.Front == "" || row.Back == "" {
		result.Skipped++
		return errEmptyField
	}
	deckName := row.Deck
	if deckName == "" {
		deckName = im.cfg.DefaultDeck
	}
	key := strings.ToLower(deckName) + "\x00" + strings.ToLower(row.Front)
	if seen[key] {
		result.Skipped++
		return nil
	}

	deckID, ok := decks[strings.ToLower(deckName)]
	if !ok {
		deck, created, err := im.target.EnsureDeck(ctx, userID, deckName)
		if err != nil {
			return fmt.Errorf("failed to process deck: %w", err)
		}
		if created {
			result.DecksCreated++
		}
		deckID = deck.ID
		decks[strings.ToLower(deckName)] = deckID
	}

	if _, err := im.target.AddCard(ctx, userID, deckID, row.Front, row.Back); err != nil {
		return fmt.Errorf("failed to create card: %w", err)
	}
	seen[key] = true
	result.Created++
	return nil
}

// ParseExcel reads card rows from an xlsx workbook
func ParseExcel(r io.Reader, cfg ImportConfig) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheet := cfg.SheetName
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}

	frontIdx, backIdx := columnToIndex(cfg.FrontColumn), columnToIndex(cfg.BackColumn)
	deckIdx := -1
	if cfg.DeckColumn != "" {
		deckIdx = columnToIndex(cfg.DeckColumn)
	}

	var rows []Row
	for i, rec := range records {
		if i < cfg.StartRow-1 || blank(rec) {
			continue
		}
		rows = append(rows, Row{
			Line:  i + 1,
			Deck:  strings.TrimSpace(cell(rec, deckIdx)),
			Front: cleanText(cell(rec, frontIdx)),
			Back:  strings.TrimSpace(cell(rec, backIdx)),
		})
	}
	return rows, nil
}

// ParseCSV reads card rows from csv. A row with only its first column set
// is a deck header and applies to the rows below it.
func ParseCSV(r io.Reader, cfg ImportConfig) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable number of fields
	reader.LazyQuotes = true

	frontIdx, backIdx := columnToIndex(cfg.FrontColumn), columnToIndex(cfg.BackColumn)
	deckIdx := -1
	if cfg.DeckColumn != "" {
		deckIdx = columnToIndex(cfg.DeckColumn)
	}

	var rows []Row
	currentDeck := ""
	line := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}
		line++
		if line < cfg.StartRow || blank(rec) {
			continue
		}

		if isDeckHeader(rec) {
			currentDeck = strings.Trim(strings.TrimSpace(rec[0]), "\"")
			continue
		}

		deck := strings.TrimSpace(cell(rec, deckIdx))
		if deck == "" {
			deck = currentDeck
		}
		rows = append(rows, Row{
			Line:  line,
			Deck:  deck,
			Front: cleanText(cell(rec, frontIdx)),
			Back:  strings.TrimSpace(cell(rec, backIdx)),
		})
	}
	return rows, nil
}

func isDeckHeader(rec []string) bool {
	if strings.TrimSpace(rec[0]) == "" {
		return false
	}
	for _, v := range rec[1:] {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

// cleanText drops a trailing parenthesized note such as "go (went, gone)"
func cleanText(s string) string {
	if i := strings.Index(s, "("); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// columnToIndex converts an Excel column letter to a zero-based index
func columnToIndex(column string) int {
	column = strings.ToUpper(column)
	index := 0
	for i := 0; i < len(column); i++ {
		index = index*26 + int(column[i]-'A'+1)
	}
	return index - 1
}
