package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"GoBooruLoader/internal/cache"
	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"

	"github.com/PuerkitoBio/goquery"
)

const (
	yandereDefaultBaseURL  = "https://yande.re"
	yandereDefaultPageSize = 20
	yandereMaxSearchLimit  = 1000
)

// YandereLoader は、Moebooru (yande.re) 用のアダプタです。
// タグ履歴はHTMLのページ番号でしか辿れないため、FamilyPredictedPage に属します。
type YandereLoader struct {
	client       *network.Client
	baseURL      string
	login        string
	passwordHash string
	pageSize     int
	tags         *cache.TagCache
}

// NewYandereLoader は、YandereLoaderの新しいインスタンスを返します。
func NewYandereLoader(opts Options) (Loader, error) {
	baseURL := opts.Site.BaseURL
	if baseURL == "" {
		baseURL = yandereDefaultBaseURL
	}
	return &YandereLoader{
		client:       opts.Client,
		baseURL:      baseURL,
		login:        opts.Site.Login,
		passwordHash: opts.Site.PasswordHash,
		pageSize:     clampLimit(opts.Site.PageSize, yandereDefaultPageSize, 0),
		tags:         opts.Tags,
	}, nil
}

func (y *YandereLoader) Name() string                 { return "yandere" }
func (y *YandereLoader) HistoryFamily() HistoryFamily { return FamilyPredictedPage }

// EffectivePageSize は、履歴ページの件数がサイト側で固定されているため limit を無視します。
func (y *YandereLoader) EffectivePageSize(int) int { return y.pageSize }

type moebooruPost struct {
	ID        int      `json:"id"`
	MD5       string   `json:"md5"`
	FileURL   string   `json:"file_url"`
	Rating    string   `json:"rating"`
	Source    string   `json:"source"`
	ParentID  *int     `json:"parent_id"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	CreatedAt flexTime `json:"created_at"`
	Tags      string   `json:"tags"`
}

type moebooruTag struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type moebooruNoteVersion struct {
	PostID    int      `json:"post_id"`
	UpdatedAt flexTime `json:"updated_at"`
	Version   int      `json:"version"`
}

// moebooruTagType は、Moebooru のタグ種別番号を変換します。
func moebooruTagType(n int) model.TagType {
	switch n {
	case 0:
		return model.TagTypeGeneral
	case 1, 5: // 5 はサークル
		return model.TagTypeArtist
	case 3:
		return model.TagTypeCopyright
	case 4:
		return model.TagTypeCharacter
	case 6:
		return model.TagTypeMeta
	default:
		return model.TagTypeUnknown
	}
}

// GetPost は、投稿のメタデータを取得します。タグキャッシュが渡されていれば、タグ種別も解決します。
func (y *YandereLoader) GetPost(ctx context.Context, id int) (*model.Post, error) {
	q := url.Values{}
	q.Set("tags", fmt.Sprintf("id:%d", id))
	reqURL, err := buildURL(y.baseURL, "post.json", q)
	if err != nil {
		return nil, err
	}
	var raw []moebooruPost
	if err := y.client.GetJSON(ctx, reqURL, nil, &raw); err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました (site=yandere, post_id=%d): %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w (site=yandere, post_id=%d)", ErrNotFound, id)
	}
	p := raw[0]

	tags := splitTags(p.Tags, model.TagTypeUnknown)
	if y.tags != nil {
		for i := range tags {
			typ, err := y.tags.Resolve(ctx, y.Name(), tags[i].Name, y.lookupTagType)
			if err != nil {
				return nil, fmt.Errorf("タグ種別の解決に失敗しました (site=yandere, tag=%s): %w", tags[i].Name, err)
			}
			tags[i].Type = typ
		}
	}

	return &model.Post{
		ID:        p.ID,
		MD5:       p.MD5,
		FileURL:   p.FileURL,
		Rating:    p.Rating,
		Source:    p.Source,
		ParentID:  p.ParentID,
		Width:     p.Width,
		Height:    p.Height,
		CreatedAt: p.CreatedAt.Time,
		Tags:      tags,
	}, nil
}

// lookupTagType は、tag.json でタグ種別を問い合わせます。
func (y *YandereLoader) lookupTagType(ctx context.Context, name string) (model.TagType, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("limit", "0")
	reqURL, err := buildURL(y.baseURL, "tag.json", q)
	if err != nil {
		return model.TagTypeUnknown, err
	}
	var raw []moebooruTag
	if err := y.client.GetJSON(ctx, reqURL, nil, &raw); err != nil {
		return model.TagTypeUnknown, err
	}
	// name 検索は部分一致なので、完全一致するものを探す
	for _, t := range raw {
		if t.Name == name {
			return moebooruTagType(t.Type), nil
		}
	}
	return model.TagTypeUnknown, nil
}

// Search は、タグで投稿を検索します。トークンはページ番号です。
func (y *YandereLoader) Search(ctx context.Context, tags string, token *model.SearchToken, limit int) (model.SearchResult, error) {
	page, err := pageNumber(token)
	if err != nil {
		return model.SearchResult{}, err
	}
	limit = clampLimit(limit, y.pageSize, yandereMaxSearchLimit)

	q := url.Values{}
	q.Set("tags", tags)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	reqURL, err := buildURL(y.baseURL, "post.json", q)
	if err != nil {
		return model.SearchResult{}, err
	}
	var raw []moebooruPost
	if err := y.client.GetJSON(ctx, reqURL, nil, &raw); err != nil {
		return model.SearchResult{}, fmt.Errorf("検索に失敗しました (site=yandere, tags=%s, page=%d): %w", tags, page, err)
	}

	result := model.SearchResult{Results: make([]model.PostPreview, 0, len(raw))}
	for _, p := range raw {
		result.Results = append(result.Results, model.PostPreview{ID: p.ID, MD5: p.MD5})
	}
	if len(raw) >= limit {
		result.NextToken = model.PageCursor(page + 1).Token()
	}
	return result, nil
}

// GetTagHistoryPage は、/history のHTMLを1ページ取得して解析します。
// エントリは履歴IDの降順（新しい順）です。空でないページの次のトークンは page+1 です。
func (y *YandereLoader) GetTagHistoryPage(ctx context.Context, token *model.SearchToken, _ int) (model.HistoryPage[model.TagHistoryEntry], error) {
	var page model.HistoryPage[model.TagHistoryEntry]
	n, err := pageNumber(token)
	if err != nil {
		return page, err
	}

	q := url.Values{}
	q.Set("search", "")
	q.Set("page", strconv.Itoa(n))
	reqURL, err := buildURL(y.baseURL, "history", q)
	if err != nil {
		return page, err
	}
	body, err := y.client.Get(ctx, reqURL, nil)
	if err != nil {
		return page, fmt.Errorf("履歴ページの取得に失敗しました (site=yandere, page=%d): %w", n, err)
	}

	entries, err := ParseMoebooruHistory(body)
	if err != nil {
		return page, fmt.Errorf("%w: 履歴ページの解析に失敗しました (site=yandere, page=%d, size=%d bytes): %w", network.ErrMalformedResponse, n, len(body), err)
	}
	page.Results = entries
	if len(entries) > 0 {
		page.NextToken = model.PageCursor(n + 1).Token()
	}
	return page, nil
}

// ParseMoebooruHistory は、Moebooru の履歴テーブルからタグ履歴エントリを抽出します。
// 行は <tr id="r<履歴ID>"> で、日時・投稿リンク・変更内容のセルを持ちます。
func ParseMoebooruHistory(html string) ([]model.TagHistoryEntry, error) {
	doc, err := NewDocumentFromString(html)
	if err != nil {
		return nil, err
	}

	var entries []model.TagHistoryEntry
	var parseErr error
	doc.Find("#history tbody tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		rowID, _ := row.Attr("id")
		historyID, err := strconv.Atoi(strings.TrimPrefix(rowID, "r"))
		if err != nil {
			parseErr = fmt.Errorf("履歴IDを解析できません (row_id=%s): %w", rowID, err)
			return false
		}

		href, _ := row.Find("td.post a").First().Attr("href")
		postID, ok := postIDFromLink(href)
		if !ok {
			parseErr = fmt.Errorf("投稿IDを解析できません (history_id=%d, href=%s)", historyID, href)
			return false
		}

		dateCell := row.Find("td.date")
		dateText, ok := dateCell.Attr("title")
		if !ok {
			dateText = dateCell.Text()
		}
		updatedAt, err := parseTime(dateText)
		if err != nil {
			parseErr = fmt.Errorf("更新日時を解析できません (history_id=%d): %w", historyID, err)
			return false
		}

		entry := model.TagHistoryEntry{
			HistoryID: historyID,
			UpdatedAt: updatedAt,
			PostID:    postID,
		}
		change := row.Find("td.change")
		if m := parentChangePattern.FindStringSubmatch(change.Find(".added").Text()); m != nil {
			entry.ParentChanged = true
			if id, err := strconv.Atoi(m[1]); err == nil {
				entry.ParentID = intPtr(id)
			}
		} else if parentChangePattern.MatchString(change.Find(".removed").Text()) {
			entry.ParentChanged = true
		}
		entries = append(entries, entry)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return entries, nil
}

// GetNoteHistoryPage は、/note/history.json を1ページ取得します。
// Moebooru はノート履歴のIDを公開しないため、HistoryID は NoHistoryID です。
func (y *YandereLoader) GetNoteHistoryPage(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[model.NoteHistoryEntry], error) {
	var page model.HistoryPage[model.NoteHistoryEntry]
	n, err := pageNumber(token)
	if err != nil {
		return page, err
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(n))
	q.Set("limit", strconv.Itoa(clampLimit(limit, y.pageSize, 0)))
	reqURL, err := buildURL(y.baseURL, "note/history.json", q)
	if err != nil {
		return page, err
	}
	var raw []moebooruNoteVersion
	if err := y.client.GetJSON(ctx, reqURL, nil, &raw); err != nil {
		return page, fmt.Errorf("ノート履歴の取得に失敗しました (site=yandere, page=%d): %w", n, err)
	}

	for _, v := range raw {
		page.Results = append(page.Results, model.NoteHistoryEntry{
			HistoryID: model.NoHistoryID,
			PostID:    v.PostID,
			UpdatedAt: v.UpdatedAt.Time,
		})
	}
	if len(raw) > 0 {
		page.NextToken = model.PageCursor(n + 1).Token()
	}
	return page, nil
}

// FavoritePost は、スコア3の投票でお気に入りに追加します。login と password_hash が必要です。
func (y *YandereLoader) FavoritePost(ctx context.Context, id int) error {
	if y.login == "" || y.passwordHash == "" {
		return fmt.Errorf("%w (site=yandere, 必要: login, password_hash)", ErrCredentialsRequired)
	}
	reqURL, err := buildURL(y.baseURL, "post/vote.json", nil)
	if err != nil {
		return err
	}
	form := url.Values{
		"id":            {strconv.Itoa(id)},
		"score":         {"3"},
		"login":         {y.login},
		"password_hash": {y.passwordHash},
	}
	if _, err := y.client.PostForm(ctx, reqURL, form, nil); err != nil {
		return fmt.Errorf("お気に入り登録に失敗しました (site=yandere, post_id=%d): %w", id, err)
	}
	return nil
}
