package model

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidCursor は、トークン文字列がカーソルとして解釈できない場合に返されます。
var ErrInvalidCursor = errors.New("不正なカーソルです")

// SearchToken は、ページングに使う不透明なカーソルです。
// 文字列表現はサイトごとに異なります（"2"、"b123"、"a123"、サイト独自の値）。
type SearchToken struct {
	Page string `json:"page"`
}

// NewSearchToken は、指定された文字列のトークンを返します。
func NewSearchToken(page string) *SearchToken {
	return &SearchToken{Page: page}
}

// CursorKind は、デコード済みカーソルの種類です。
type CursorKind int

const (
	CursorPage CursorKind = iota
	CursorBefore
	CursorAfter
	CursorOpaque
)

func (k CursorKind) String() string {
	switch k {
	case CursorPage:
		return "page"
	case CursorBefore:
		return "before"
	case CursorAfter:
		return "after"
	case CursorOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Cursor は SearchToken をデコードした結果です。
// Kind によって Value（ページ番号または履歴ID）か Raw のどちらかが意味を持ちます。
type Cursor struct {
	Kind  CursorKind
	Value int
	Raw   string
}

// PageCursor はページ番号カーソルを返します。
func PageCursor(n int) Cursor { return Cursor{Kind: CursorPage, Value: n} }

// BeforeCursor は指定IDより前（古い側）を指すカーソルを返します。
func BeforeCursor(id int) Cursor { return Cursor{Kind: CursorBefore, Value: id} }

// AfterCursor は指定IDより後（新しい側）を指すカーソルを返します。
func AfterCursor(id int) Cursor { return Cursor{Kind: CursorAfter, Value: id} }

// OpaqueCursor はサイト独自のカーソルを返します。
func OpaqueCursor(raw string) Cursor { return Cursor{Kind: CursorOpaque, Raw: raw} }

// ParseCursor は、トークン文字列の先頭文字からカーソルの種類を判定します。
//
//	"12"   -> CursorPage(12)
//	"b123" -> CursorBefore(123)
//	"a123" -> CursorAfter(123)
//
// 上記に当てはまらない空でない文字列は CursorOpaque として扱います。
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, fmt.Errorf("%w: 空のトークン", ErrInvalidCursor)
	}
	switch c := s[0]; {
	case c == 'a' || c == 'b':
		id, err := strconv.Atoi(s[1:])
		if err != nil {
			// "abc" のようなサイト独自の値
			return OpaqueCursor(s), nil
		}
		if id < 0 {
			return Cursor{}, fmt.Errorf("%w: 負のID (%s)", ErrInvalidCursor, s)
		}
		if c == 'a' {
			return AfterCursor(id), nil
		}
		return BeforeCursor(id), nil
	case c >= '0' && c <= '9':
		n, err := strconv.Atoi(s)
		if err != nil {
			return OpaqueCursor(s), nil
		}
		return PageCursor(n), nil
	case c == '-':
		return Cursor{}, fmt.Errorf("%w: 負のページ (%s)", ErrInvalidCursor, s)
	default:
		return OpaqueCursor(s), nil
	}
}

// ParseToken は nil を許容する ParseCursor です。nil トークンは1ページ目として扱います。
func ParseToken(t *SearchToken) (Cursor, error) {
	if t == nil {
		return PageCursor(1), nil
	}
	return ParseCursor(t.Page)
}

// String はカーソルをトークン文字列に戻します。
func (c Cursor) String() string {
	switch c.Kind {
	case CursorBefore:
		return "b" + strconv.Itoa(c.Value)
	case CursorAfter:
		return "a" + strconv.Itoa(c.Value)
	case CursorOpaque:
		return c.Raw
	default:
		return strconv.Itoa(c.Value)
	}
}

// Token はカーソルを SearchToken に変換します。
func (c Cursor) Token() *SearchToken {
	return NewSearchToken(c.String())
}
