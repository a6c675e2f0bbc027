package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContent(t *testing.T) {
	tests := []struct {
		name    string
		row     []string
		wantErr bool
	}{
		{
			name: "valid submit",
			row:  []string{"U1", "kim", "Go generics", "https://blog/1", "2024-03-01 10:00:00", "dev", "about generics", "submit", "go#generics"},
		},
		{
			name: "valid pass",
			row:  []string{"U1", "kim", "", "", "2024-03-15 09:30:00", "", "", "pass", ""},
		},
		{
			name:    "short row",
			row:     []string{"U1", "kim"},
			wantErr: true,
		},
		{
			name:    "bad timestamp",
			row:     []string{"U1", "kim", "t", "u", "yesterday", "", "", "submit", ""},
			wantErr: true,
		},
		{
			name:    "unknown type",
			row:     []string{"U1", "kim", "t", "u", "2024-03-01 10:00:00", "", "", "draft", ""},
			wantErr: true,
		},
		{
			name:    "missing user",
			row:     []string{"", "kim", "t", "u", "2024-03-01 10:00:00", "", "", "submit", ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseContent(tt.row)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrSchema), "want schema error, got %v", err)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.row, c.Row())
		})
	}
}

func TestContentRowNormalizesSheetFields(t *testing.T) {
	c := &Content{
		UserID:      "U1",
		Username:    "kim",
		DT:          time.Date(2024, 3, 1, 10, 0, 0, 0, KST),
		Description: "line one,\nline two",
		Type:        ContentSubmit,
		Tags:        "go,sync",
	}

	row := c.Row()
	assert.Equal(t, "line one  line two", row[6])
	assert.Equal(t, "go#sync", row[8])
	assert.Equal(t, "U1:2024-03-01 10:00:00", c.UniqueID())
	assert.Equal(t, []string{"go", "sync"}, (&Content{Tags: row[8]}).TagList())
}

func TestParseBookmark(t *testing.T) {
	b, err := ParseBookmark([]string{"U1", "U2:2024-03-01 10:00:00", "read later", "True", "2024-03-02 08:00:00", "2024-03-03 08:00:00"})
	require.NoError(t, err)
	assert.True(t, b.IsDeleted)
	assert.Equal(t, []string{"U1", "U2:2024-03-01 10:00:00"}, b.Key())

	_, err = ParseBookmark([]string{"U1", "c", "", "maybe", "2024-03-02 08:00:00", "2024-03-02 08:00:00"})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Bookmarks, se.Table)
}

func TestParseUserDeposit(t *testing.T) {
	u, err := ParseUser([]string{"U1", "kim", "ch", "C1", "hi", "100,000", "10"})
	require.NoError(t, err)
	assert.Equal(t, 100000, u.Deposit)

	u, err = ParseUser([]string{"U1", "kim", "ch", "C1", "hi", "", "10"})
	require.NoError(t, err)
	assert.Zero(t, u.Deposit)

	_, err = ParseUser([]string{"U1", "kim", "ch", "C1", "hi", "lots", "10"})
	assert.ErrorIs(t, err, ErrSchema)
}

func TestParseEventRejectsInvalidBody(t *testing.T) {
	_, err := ParseEvent([]string{"e1", "2024-03-01 10:00:00", "U1", "submit", "command", "", "{not json"})
	assert.ErrorIs(t, err, ErrSchema)

	e, err := ParseEvent([]string{"e1", "2024-03-01 10:00:00", "U1", "submit", "command", "", `{"k":1}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(e.Body))
}

func TestParseAllReportsLine(t *testing.T) {
	rows := [][]string{
		{"U1", "kim", "ch", "C1", "", "", ""},
		{"", "lee", "ch", "C2", "", "", ""},
	}
	_, err := ParseAll(Users, rows, 1)
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Line)
}

func TestCheckHeader(t *testing.T) {
	def := Bookmarks.Definition()
	assert.NoError(t, def.CheckHeader(Bookmarks.Columns()))
	assert.ErrorIs(t, def.CheckHeader([]string{"user_id"}), ErrSchema)

	swapped := Bookmarks.Columns()
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.ErrorIs(t, def.CheckHeader(swapped), ErrSchema)
}

func TestPadAndKeyOf(t *testing.T) {
	def := Bookmarks.Definition()
	row := def.Pad([]string{"U1", "c1"})
	assert.Len(t, row, 6)
	assert.Equal(t, map[string]string{"user_id": "U1", "content_id": "c1"}, def.KeyOf(row))
}
