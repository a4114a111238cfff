package adapter

import (
	"fmt"
	"sort"
)

// adapterRegistry は、サイト名とLoader実装のマッピングを保持します。
var adapterRegistry = map[string]func(Options) (Loader, error){
	"danbooru": NewDanbooruLoader,
	"yandere":  NewYandereLoader,
	"sankaku":  NewSankakuLoader,
	"gelbooru": NewGelbooruLoader,
	"rule34":   NewRule34Loader,
}

// GetLoader は、指定されたサイト名に対応するLoaderの新しいインスタンスを返します。
// ファクトリパターンを使用することで、新しいサイトアダプタの追加を容易にします。
func GetLoader(siteName string, opts Options) (Loader, error) {
	factory, ok := adapterRegistry[siteName]
	if !ok {
		return nil, fmt.Errorf("サイト名 '%s' に対応するアダプタが見つかりません", siteName)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("サイト '%s' のアダプタにHTTPクライアントが渡されていません", siteName)
	}
	return factory(opts)
}

// SiteNames は、登録済みのサイト名を昇順で返します。
func SiteNames() []string {
	names := make([]string, 0, len(adapterRegistry))
	for name := range adapterRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
