package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCursor(t *testing.T) {
	cases := []struct {
		in   string
		want Cursor
	}{
		{"2", PageCursor(2)},
		{"0", PageCursor(0)},
		{"b123", BeforeCursor(123)},
		{"a45", AfterCursor(45)},
		{"abc", OpaqueCursor("abc")},
		{"eyJpZCI6MX0", OpaqueCursor("eyJpZCI6MX0")},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseCursor(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.in, got.String())
		})
	}
}

func TestParseCursor_Invalid(t *testing.T) {
	for _, in := range []string{"", "-1", "b-3"} {
		_, err := ParseCursor(in)
		assert.Truef(t, errors.Is(err, ErrInvalidCursor), "入力 %q はエラーになるべきです: %v", in, err)
	}
}

func TestParseToken_NilIsFirstPage(t *testing.T) {
	c, err := ParseToken(nil)
	require.NoError(t, err)
	assert.Equal(t, PageCursor(1), c)
}

func TestHistoryPage_LastOnEmpty(t *testing.T) {
	var page HistoryPage[TagHistoryEntry]
	_, ok := page.Last()
	assert.False(t, ok)

	page.Results = []TagHistoryEntry{{HistoryID: 3}, {HistoryID: 2}}
	last, ok := page.Last()
	require.True(t, ok)
	assert.Equal(t, 2, last.HistoryID)
}
