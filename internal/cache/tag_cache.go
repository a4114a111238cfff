// Package cache は、1セッションの間だけ有効なタグ種別キャッシュを提供します。
// グローバルなレジストリは持たず、呼び出し側が生成したインスタンスをアダプタに渡します。
package cache

import (
	"context"
	"fmt"

	"GoBooruLoader/internal/model"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultTagCacheSize = 4096

// TagLookupFunc は、キャッシュに無いタグの種別をサイトに問い合わせる関数です。
type TagLookupFunc func(ctx context.Context, name string) (model.TagType, error)

// TagCache は、サイトごとにタグ名から種別への対応を保持するLRUキャッシュです。
type TagCache struct {
	entries *lru.Cache[string, model.TagType]
}

// NewTagCache は、最大 size 件を保持するキャッシュを返します。size が0以下の場合は既定値を使います。
func NewTagCache(size int) (*TagCache, error) {
	if size <= 0 {
		size = defaultTagCacheSize
	}
	entries, err := lru.New[string, model.TagType](size)
	if err != nil {
		return nil, fmt.Errorf("タグキャッシュの作成に失敗しました (size=%d): %w", size, err)
	}
	return &TagCache{entries: entries}, nil
}

func cacheKey(site, name string) string {
	return site + "\x00" + name
}

// Get は、キャッシュ済みのタグ種別を返します。
func (c *TagCache) Get(site, name string) (model.TagType, bool) {
	return c.entries.Get(cacheKey(site, name))
}

// Add は、タグ種別をキャッシュに追加します。
func (c *TagCache) Add(site, name string, typ model.TagType) {
	c.entries.Add(cacheKey(site, name), typ)
}

// Resolve は、キャッシュに無い場合のみ lookup を呼び出し、その結果をキャッシュします。
// lookup が失敗した場合はキャッシュせずにエラーを返します。
func (c *TagCache) Resolve(ctx context.Context, site, name string, lookup TagLookupFunc) (model.TagType, error) {
	if typ, ok := c.Get(site, name); ok {
		return typ, nil
	}
	typ, err := lookup(ctx, name)
	if err != nil {
		return model.TagTypeUnknown, err
	}
	c.Add(site, name, typ)
	return typ, nil
}

// Len は、キャッシュされている件数を返します。
func (c *TagCache) Len() int {
	return c.entries.Len()
}
