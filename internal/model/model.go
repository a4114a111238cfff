// Package model は、各booruサイトのアダプタとトラバーサルエンジンが共有する
// データ構造を定義します。
package model

import (
	"time"
)

// TagType は、タグの種別（一般・作者・キャラクターなど）を表します。
type TagType string

const (
	TagTypeGeneral   TagType = "general"
	TagTypeArtist    TagType = "artist"
	TagTypeCharacter TagType = "character"
	TagTypeCopyright TagType = "copyright"
	TagTypeMeta      TagType = "meta"
	TagTypeUnknown   TagType = "unknown"
)

// Tag は、投稿に付与された単一のタグです。
type Tag struct {
	Name string  `json:"name"`
	Type TagType `json:"type"`
}

// Post は、単一投稿のメタデータを保持します。
type Post struct {
	ID        int       `json:"id"`
	MD5       string    `json:"md5,omitempty"`
	FileURL   string    `json:"file_url,omitempty"`
	Rating    string    `json:"rating,omitempty"`
	Source    string    `json:"source,omitempty"`
	ParentID  *int      `json:"parent_id,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []Tag     `json:"tags"`
}

// PostPreview は、検索結果に含まれる投稿の概要です。
type PostPreview struct {
	ID    int    `json:"id"`
	MD5   string `json:"md5,omitempty"`
	Title string `json:"title,omitempty"`
}

// SearchResult は、検索1ページ分の結果と次ページのトークンです。
// NextToken が nil の場合、それ以上のページはありません。
type SearchResult struct {
	Results   []PostPreview `json:"results"`
	NextToken *SearchToken  `json:"next_token,omitempty"`
}
