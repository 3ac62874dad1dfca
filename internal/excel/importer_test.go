package excel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/example/srsengine/pkg/models"
)

type fakeTarget struct {
	decks map[string]*models.Deck
	cards []models.Card
	fail  string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{decks: map[string]*models.Deck{}}
}

func (f *fakeTarget) EnsureDeck(_ context.Context, userID, name string) (*models.Deck, bool, error) {
	if d, ok := f.decks[name]; ok {
		return d, false, nil
	}
	d := &models.Deck{ID: fmt.Sprintf("d%d", len(f.decks)+1), UserID: userID, Name: name}
	f.decks[name] = d
	return d, true, nil
}

func (f *fakeTarget) AddCard(_ context.Context, userID, deckID, front, back string) (*models.Card, error) {
	if front == f.fail {
		return nil, errors.New("boom")
	}
	c := models.Card{ID: fmt.Sprintf("c%d", len(f.cards)+1), UserID: userID, DeckID: deckID, Front: front, Back: back}
	f.cards = append(f.cards, c)
	return &c, nil
}

func workbook(t *testing.T, rows [][]string) *strings.Reader {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		for j, v := range row {
			cellName, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue("Sheet1", cellName, v))
		}
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return strings.NewReader(buf.String())
}

func TestImportExcel(t *testing.T) {
	target := newFakeTarget()
	im := NewImporter(target, DefaultImportConfig())

	r := workbook(t, [][]string{
		{"Front", "Back", "Deck"},
		{"perro", "dog", "Animals"},
		{"gato (m)", "cat", "Animals"},
		{"rojo", "red", ""},
		{"perro", "dog again", "Animals"},
		{"", "orphan", "Animals"},
	})
	res, err := im.Import(context.Background(), "u1", "words.xlsx", r)
	require.NoError(t, err)

	assert.Equal(t, 5, res.TotalProcessed)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 2, res.DecksCreated)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Row 6")

	require.Len(t, target.cards, 3)
	assert.Equal(t, "gato", target.cards[1].Front)
	assert.Equal(t, target.decks["General"].ID, target.cards[2].DeckID)
}

func TestImportCSVDeckHeaders(t *testing.T) {
	target := newFakeTarget()
	cfg := DefaultImportConfig()
	cfg.StartRow = 1
	cfg.DeckColumn = ""
	im := NewImporter(target, cfg)

	data := "Verbs,,\ngo (went; gone),ir\nrun,correr\n\"Colors\",,\nblue,azul\n"
	res, err := im.Import(context.Background(), "u1", "list.CSV", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Empty(t, res.Errors)

	require.Len(t, target.cards, 3)
	assert.Equal(t, "go", target.cards[0].Front)
	assert.Equal(t, target.decks["Verbs"].ID, target.cards[1].DeckID)
	assert.Equal(t, target.decks["Colors"].ID, target.cards[2].DeckID)
}

func TestImportRespectsMaxRows(t *testing.T) {
	target := newFakeTarget()
	cfg := DefaultImportConfig()
	cfg.MaxRows = 2
	im := NewImporter(target, cfg)

	data := "Front,Back\na,1\nb,2\nc,3\n"
	res, err := im.Import(context.Background(), "u1", "x.csv", strings.NewReader(data))
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.Created)
}

func TestImportReportsCardErrors(t *testing.T) {
	target := newFakeTarget()
	target.fail = "b"
	im := NewImporter(target, DefaultImportConfig())

	res, err := im.Import(context.Background(), "u1", "x.csv", strings.NewReader("Front,Back\na,1\nb,2\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Row 3")
}

func TestImportRejectsBrokenWorkbook(t *testing.T) {
	im := NewImporter(newFakeTarget(), DefaultImportConfig())
	_, err := im.Import(context.Background(), "u1", "x.xlsx", strings.NewReader("not a zip"))
	assert.Error(t, err)
}

func TestColumnToIndex(t *testing.T) {
	assert.Equal(t, 0, columnToIndex("A"))
	assert.Equal(t, 2, columnToIndex("c"))
	assert.Equal(t, 26, columnToIndex("AA"))
}
