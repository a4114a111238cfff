package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"

	"github.com/PuerkitoBio/goquery"
)

const (
	gelbooruDefaultBaseURL  = "https://gelbooru.com"
	rule34DefaultBaseURL    = "https://rule34.xxx"
	gelbooruDefaultPageSize = 20
	gelbooruMaxSearchLimit  = 100
)

// GelbooruLoader は、Gelbooru 0.2 系エンジン (gelbooru.com, rule34.xxx) 用のアダプタです。
// 投稿と検索は DAPI の JSON、タグ履歴はHTMLの pid オフセットで取得します。
// ノート履歴とお気に入りには対応していません。
type GelbooruLoader struct {
	client   *network.Client
	name     string
	baseURL  string
	userID   string
	apiKey   string
	pageSize int
}

// NewGelbooruLoader は、gelbooru.com 用のインスタンスを返します。
func NewGelbooruLoader(opts Options) (Loader, error) {
	return newGelbooruEngine("gelbooru", gelbooruDefaultBaseURL, opts), nil
}

// NewRule34Loader は、rule34.xxx 用のインスタンスを返します。
func NewRule34Loader(opts Options) (Loader, error) {
	return newGelbooruEngine("rule34", rule34DefaultBaseURL, opts), nil
}

func newGelbooruEngine(name, defaultBaseURL string, opts Options) *GelbooruLoader {
	baseURL := opts.Site.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &GelbooruLoader{
		client:   opts.Client,
		name:     name,
		baseURL:  baseURL,
		userID:   opts.Site.Login,
		apiKey:   opts.Site.APIKey,
		pageSize: clampLimit(opts.Site.PageSize, gelbooruDefaultPageSize, 0),
	}
}

func (g *GelbooruLoader) Name() string                 { return g.name }
func (g *GelbooruLoader) HistoryFamily() HistoryFamily { return FamilyPredictedPage }

// EffectivePageSize は、履歴ページの件数がサイト側で固定されているため limit を無視します。
func (g *GelbooruLoader) EffectivePageSize(int) int { return g.pageSize }

type gelbooruPost struct {
	ID        int      `json:"id"`
	MD5       string   `json:"md5"`
	Hash      string   `json:"hash"`
	FileURL   string   `json:"file_url"`
	Rating    string   `json:"rating"`
	Source    string   `json:"source"`
	ParentID  int      `json:"parent_id"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	CreatedAt flexTime `json:"created_at"`
	Change    flexTime `json:"change"`
	Tags      string   `json:"tags"`
}

func (p gelbooruPost) toModel() *model.Post {
	post := &model.Post{
		ID:        p.ID,
		MD5:       p.MD5,
		FileURL:   p.FileURL,
		Rating:    p.Rating,
		Source:    p.Source,
		Width:     p.Width,
		Height:    p.Height,
		CreatedAt: p.CreatedAt.Time,
		Tags:      splitTags(p.Tags, model.TagTypeUnknown),
	}
	if post.MD5 == "" {
		post.MD5 = p.Hash
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = p.Change.Time
	}
	if p.ParentID > 0 {
		post.ParentID = intPtr(p.ParentID)
	}
	return post
}

// decodeDapiPosts は、DAPIのレスポンスを解析します。
// gelbooru.com は {"post": [...]}、rule34.xxx は [...] を返します。空の結果は空文字列のこともあります。
func decodeDapiPosts(body string) ([]gelbooruPost, error) {
	data := bytes.TrimSpace([]byte(body))
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var posts []gelbooruPost
		if err := json.Unmarshal(data, &posts); err != nil {
			return nil, err
		}
		return posts, nil
	}
	var wrapped struct {
		Post []gelbooruPost `json:"post"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Post, nil
}

func (g *GelbooruLoader) dapiQuery() url.Values {
	q := url.Values{}
	q.Set("page", "dapi")
	q.Set("s", "post")
	q.Set("q", "index")
	q.Set("json", "1")
	if g.userID != "" && g.apiKey != "" {
		q.Set("user_id", g.userID)
		q.Set("api_key", g.apiKey)
	}
	return q
}

func (g *GelbooruLoader) fetchPosts(ctx context.Context, q url.Values) ([]gelbooruPost, error) {
	reqURL, err := buildURL(g.baseURL, "index.php", q)
	if err != nil {
		return nil, err
	}
	body, err := g.client.Get(ctx, reqURL, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, err
	}
	posts, err := decodeDapiPosts(body)
	if err != nil {
		return nil, fmt.Errorf("%w: DAPIレスポンスのデコードに失敗しました (site=%s, size=%d bytes): %w", network.ErrMalformedResponse, g.name, len(body), err)
	}
	return posts, nil
}

// GetPost は、投稿のメタデータを取得します。タグ種別はDAPIから得られないため unknown です。
func (g *GelbooruLoader) GetPost(ctx context.Context, id int) (*model.Post, error) {
	q := g.dapiQuery()
	q.Set("id", strconv.Itoa(id))
	posts, err := g.fetchPosts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました (site=%s, post_id=%d): %w", g.name, id, err)
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w (site=%s, post_id=%d)", ErrNotFound, g.name, id)
	}
	return posts[0].toModel(), nil
}

// Search は、タグで投稿を検索します。トークンは1始まりのページ番号で、DAPIの pid は0始まりです。
func (g *GelbooruLoader) Search(ctx context.Context, tags string, token *model.SearchToken, limit int) (model.SearchResult, error) {
	page, err := pageNumber(token)
	if err != nil {
		return model.SearchResult{}, err
	}
	limit = clampLimit(limit, g.pageSize, gelbooruMaxSearchLimit)

	q := g.dapiQuery()
	q.Set("tags", tags)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("pid", strconv.Itoa(page-1))
	posts, err := g.fetchPosts(ctx, q)
	if err != nil {
		return model.SearchResult{}, fmt.Errorf("検索に失敗しました (site=%s, tags=%s, page=%d): %w", g.name, tags, page, err)
	}

	result := model.SearchResult{Results: make([]model.PostPreview, 0, len(posts))}
	for _, p := range posts {
		md5 := p.MD5
		if md5 == "" {
			md5 = p.Hash
		}
		result.Results = append(result.Results, model.PostPreview{ID: p.ID, MD5: md5})
	}
	if len(posts) >= limit {
		result.NextToken = model.PageCursor(page + 1).Token()
	}
	return result, nil
}

// GetTagHistoryPage は、タグ履歴のHTMLを1ページ取得します。
// ページ番号 n は pid=(n-1)*pageSize のオフセットに対応します。
func (g *GelbooruLoader) GetTagHistoryPage(ctx context.Context, token *model.SearchToken, _ int) (model.HistoryPage[model.TagHistoryEntry], error) {
	var page model.HistoryPage[model.TagHistoryEntry]
	n, err := pageNumber(token)
	if err != nil {
		return page, err
	}

	q := url.Values{}
	q.Set("page", "history")
	q.Set("type", "tag_history")
	q.Set("pid", strconv.Itoa((n-1)*g.pageSize))
	reqURL, err := buildURL(g.baseURL, "index.php", q)
	if err != nil {
		return page, err
	}
	body, err := g.client.Get(ctx, reqURL, nil)
	if err != nil {
		return page, fmt.Errorf("履歴ページの取得に失敗しました (site=%s, page=%d): %w", g.name, n, err)
	}

	entries, err := ParseGelbooruHistory(body)
	if err != nil {
		return page, fmt.Errorf("%w: 履歴ページの解析に失敗しました (site=%s, page=%d, size=%d bytes): %w", network.ErrMalformedResponse, g.name, n, len(body), err)
	}
	page.Results = entries
	if len(entries) > 0 {
		page.NextToken = model.PageCursor(n + 1).Token()
	}
	return page, nil
}

// ParseGelbooruHistory は、Gelbooru の履歴テーブルからタグ履歴エントリを抽出します。
// 各行は [履歴ID, 投稿リンク, 日時, ユーザー, タグ] のセルを持ちます。見出し行(th)は無視します。
func ParseGelbooruHistory(html string) ([]model.TagHistoryEntry, error) {
	doc, err := NewDocumentFromString(html)
	if err != nil {
		return nil, err
	}

	var entries []model.TagHistoryEntry
	var parseErr error
	doc.Find("table.highlightable tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() < 3 {
			return true
		}
		idText := strings.TrimSpace(cells.Eq(0).Text())
		historyID, err := strconv.Atoi(idText)
		if err != nil {
			parseErr = fmt.Errorf("履歴IDを解析できません (%q): %w", idText, err)
			return false
		}
		href, _ := cells.Eq(1).Find("a").First().Attr("href")
		postID, ok := postIDFromLink(href)
		if !ok {
			parseErr = fmt.Errorf("投稿IDを解析できません (history_id=%d, href=%s)", historyID, href)
			return false
		}
		updatedAt, err := parseTime(cells.Eq(2).Text())
		if err != nil {
			parseErr = fmt.Errorf("更新日時を解析できません (history_id=%d): %w", historyID, err)
			return false
		}
		entries = append(entries, model.TagHistoryEntry{
			HistoryID: historyID,
			UpdatedAt: updatedAt,
			PostID:    postID,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return entries, nil
}

// GetNoteHistoryPage は未対応です。
func (g *GelbooruLoader) GetNoteHistoryPage(context.Context, *model.SearchToken, int) (model.HistoryPage[model.NoteHistoryEntry], error) {
	return model.HistoryPage[model.NoteHistoryEntry]{}, fmt.Errorf("%w (site=%s, operation=note history)", ErrUnsupported, g.name)
}
