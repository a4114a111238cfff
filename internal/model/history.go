package model

import (
	"time"
)

// NoHistoryID は、サイトが履歴IDを公開していないノート履歴エントリに設定される値です。
// この値は一意ではないため、重複排除のキーとして使ってはいけません。
const NoHistoryID = -1

// TagHistoryEntry は、投稿のタグ・親投稿に対する1回の編集記録です。
type TagHistoryEntry struct {
	HistoryID     int       `json:"history_id"`
	UpdatedAt     time.Time `json:"updated_at"`
	PostID        int       `json:"post_id"`
	ParentID      *int      `json:"parent_id,omitempty"`
	ParentChanged bool      `json:"parent_changed"`
}

// GetHistoryID は履歴IDを返します。
func (e TagHistoryEntry) GetHistoryID() int { return e.HistoryID }

// GetUpdatedAt は更新日時を返します。
func (e TagHistoryEntry) GetUpdatedAt() time.Time { return e.UpdatedAt }

// NoteHistoryEntry は、投稿のノートに対する1回の編集記録です。
// HistoryID はサイトによって NoHistoryID になります。
type NoteHistoryEntry struct {
	HistoryID int       `json:"history_id"`
	PostID    int       `json:"post_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetHistoryID は履歴IDを返します。
func (e NoteHistoryEntry) GetHistoryID() int { return e.HistoryID }

// GetUpdatedAt は更新日時を返します。
func (e NoteHistoryEntry) GetUpdatedAt() time.Time { return e.UpdatedAt }

// HistoryPage は、履歴1ページ分のエントリと次ページのトークンです。
// NextToken が nil の場合、アダプタはそれ以上のページを見つけられなかったことを示します。
type HistoryPage[T any] struct {
	Results   []T
	NextToken *SearchToken
}

// Last は、ページの最後のエントリを返します。空ページの場合は ok=false です。
func (p HistoryPage[T]) Last() (last T, ok bool) {
	if len(p.Results) == 0 {
		return last, false
	}
	return p.Results[len(p.Results)-1], true
}
