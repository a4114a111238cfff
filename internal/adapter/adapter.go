// Package adapter は、サイト固有の処理を抽象化するインターフェースと、
// その具体的な実装を提供します。これにより、GBLは様々なbooruサイトに
// プラグイン形式で対応できます。
package adapter

import (
	"context"
	"errors"

	"GoBooruLoader/internal/cache"
	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"
)

var (
	// ErrUnsupported は、サイトがその操作を提供していない場合に返されます。
	ErrUnsupported = errors.New("このサイトでは未対応の操作です")
	// ErrNotFound は、指定された投稿が存在しない場合に返されます。
	ErrNotFound = errors.New("投稿が見つかりません")
	// ErrCredentialsRequired は、認証情報が必要な操作で設定が不足している場合に返されます。
	ErrCredentialsRequired = errors.New("認証情報が設定されていません")
)

// HistoryFamily は、アダプタが履歴をどのページング方式で公開しているかを表します。
// トラバーサルエンジンはこの値で戦略を選択し、アダプタの具象型は参照しません。
type HistoryFamily int

const (
	// FamilyCursor は "a<id>"/"b<id>" の前後カーソルで移動できるサイトです。
	FamilyCursor HistoryFamily = iota
	// FamilyBeforeID は "b<id>" で古い側にしか移動できないサイトです。
	FamilyBeforeID
	// FamilyPredictedPage は総数不明の番号付きページしか持たないサイトです。
	FamilyPredictedPage
)

func (f HistoryFamily) String() string {
	switch f {
	case FamilyCursor:
		return "cursor"
	case FamilyBeforeID:
		return "before-id"
	case FamilyPredictedPage:
		return "predicted-page"
	default:
		return "unknown"
	}
}

// Loader は、各サイトのアダプタが実装する共通の操作です。
//
// 履歴ページの取得では token = nil が1ページ目を意味します。limit は目安であり、
// サイトによっては無視されます。エラーを空ページで表してはいけません。
// 空ページはデータの終端（またはそのトークンに対応するデータが無いこと）だけを意味します。
type Loader interface {
	// Name は、サイト名（レジストリのキー）を返します。
	Name() string
	// HistoryFamily は、履歴のページング方式を返します。
	HistoryFamily() HistoryFamily
	// EffectivePageSize は、limit を指定したときに実際に1ページで返される件数を返します。
	EffectivePageSize(limit int) int

	GetPost(ctx context.Context, id int) (*model.Post, error)
	Search(ctx context.Context, tags string, token *model.SearchToken, limit int) (model.SearchResult, error)
	GetTagHistoryPage(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[model.TagHistoryEntry], error)
	GetNoteHistoryPage(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[model.NoteHistoryEntry], error)
}

// Favoriter は、お気に入り登録に対応するアダプタが追加で実装します。
type Favoriter interface {
	FavoritePost(ctx context.Context, id int) error
}

// Options は、アダプタの生成に必要な依存関係です。
type Options struct {
	Client *network.Client
	Site   config.SiteSettings
	// Tags は任意です。nil の場合、追加の問い合わせが必要なタグ種別は解決しません。
	Tags *cache.TagCache
}
