package adapter

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"
)

const (
	danbooruDefaultBaseURL = "https://danbooru.donmai.us"
	danbooruDefaultLimit   = 100
	danbooruMaxLimit       = 1000
)

// DanbooruLoader は、Danbooru の JSON API を使うアダプタです。
// 履歴は "a<id>"/"b<id>" のカーソルで前後どちらにも移動できます。
type DanbooruLoader struct {
	client   *network.Client
	baseURL  string
	login    string
	apiKey   string
	pageSize int
}

// NewDanbooruLoader は、DanbooruLoaderの新しいインスタンスを返します。
func NewDanbooruLoader(opts Options) (Loader, error) {
	baseURL := opts.Site.BaseURL
	if baseURL == "" {
		baseURL = danbooruDefaultBaseURL
	}
	return &DanbooruLoader{
		client:   opts.Client,
		baseURL:  baseURL,
		login:    opts.Site.Login,
		apiKey:   opts.Site.APIKey,
		pageSize: clampLimit(opts.Site.PageSize, danbooruDefaultLimit, danbooruMaxLimit),
	}, nil
}

func (d *DanbooruLoader) Name() string                 { return "danbooru" }
func (d *DanbooruLoader) HistoryFamily() HistoryFamily { return FamilyCursor }

// EffectivePageSize は、Danbooru が limit を1000件まで尊重することを反映します。
func (d *DanbooruLoader) EffectivePageSize(limit int) int {
	return clampLimit(limit, d.pageSize, danbooruMaxLimit)
}

type danbooruPost struct {
	ID                 int      `json:"id"`
	MD5                string   `json:"md5"`
	FileURL            string   `json:"file_url"`
	Rating             string   `json:"rating"`
	Source             string   `json:"source"`
	ParentID           *int     `json:"parent_id"`
	ImageWidth         int      `json:"image_width"`
	ImageHeight        int      `json:"image_height"`
	CreatedAt          flexTime `json:"created_at"`
	TagStringGeneral   string   `json:"tag_string_general"`
	TagStringArtist    string   `json:"tag_string_artist"`
	TagStringCharacter string   `json:"tag_string_character"`
	TagStringCopyright string   `json:"tag_string_copyright"`
	TagStringMeta      string   `json:"tag_string_meta"`
}

type danbooruPostVersion struct {
	ID            int      `json:"id"`
	PostID        int      `json:"post_id"`
	UpdatedAt     flexTime `json:"updated_at"`
	ParentID      *int     `json:"parent_id"`
	ParentChanged bool     `json:"parent_changed"`
}

type danbooruNoteVersion struct {
	ID        int      `json:"id"`
	PostID    int      `json:"post_id"`
	UpdatedAt flexTime `json:"updated_at"`
}

// authQuery は、login と api_key が設定されていればクエリに追加します。
func (d *DanbooruLoader) authQuery(q url.Values) url.Values {
	if q == nil {
		q = url.Values{}
	}
	if d.login != "" && d.apiKey != "" {
		q.Set("login", d.login)
		q.Set("api_key", d.apiKey)
	}
	return q
}

// GetPost は、投稿のメタデータを取得します。
func (d *DanbooruLoader) GetPost(ctx context.Context, id int) (*model.Post, error) {
	reqURL, err := buildURL(d.baseURL, fmt.Sprintf("posts/%d.json", id), d.authQuery(nil))
	if err != nil {
		return nil, err
	}
	var raw danbooruPost
	if err := d.client.GetJSON(ctx, reqURL, nil, &raw); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w (site=danbooru, post_id=%d)", ErrNotFound, id)
		}
		return nil, fmt.Errorf("投稿の取得に失敗しました (site=danbooru, post_id=%d): %w", id, err)
	}

	tags := splitTags(raw.TagStringArtist, model.TagTypeArtist)
	tags = append(tags, splitTags(raw.TagStringCopyright, model.TagTypeCopyright)...)
	tags = append(tags, splitTags(raw.TagStringCharacter, model.TagTypeCharacter)...)
	tags = append(tags, splitTags(raw.TagStringGeneral, model.TagTypeGeneral)...)
	tags = append(tags, splitTags(raw.TagStringMeta, model.TagTypeMeta)...)

	return &model.Post{
		ID:        raw.ID,
		MD5:       raw.MD5,
		FileURL:   raw.FileURL,
		Rating:    raw.Rating,
		Source:    raw.Source,
		ParentID:  raw.ParentID,
		Width:     raw.ImageWidth,
		Height:    raw.ImageHeight,
		CreatedAt: raw.CreatedAt.Time,
		Tags:      tags,
	}, nil
}

// Search は、タグで投稿を検索します。トークンはページ番号か "b<id>" です。
func (d *DanbooruLoader) Search(ctx context.Context, tags string, token *model.SearchToken, limit int) (model.SearchResult, error) {
	limit = d.EffectivePageSize(limit)
	cursor, err := model.ParseToken(token)
	if err != nil {
		return model.SearchResult{}, err
	}

	q := d.authQuery(url.Values{})
	q.Set("tags", tags)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", cursor.String())
	reqURL, err := buildURL(d.baseURL, "posts.json", q)
	if err != nil {
		return model.SearchResult{}, err
	}

	var raw []danbooruPost
	if err := d.client.GetJSON(ctx, reqURL, nil, &raw); err != nil {
		return model.SearchResult{}, fmt.Errorf("検索に失敗しました (site=danbooru, tags=%s, page=%s): %w", tags, cursor, err)
	}

	result := model.SearchResult{Results: make([]model.PostPreview, 0, len(raw))}
	for _, p := range raw {
		result.Results = append(result.Results, model.PostPreview{ID: p.ID, MD5: p.MD5})
	}
	if len(raw) >= limit {
		switch cursor.Kind {
		case model.CursorBefore:
			result.NextToken = model.BeforeCursor(raw[len(raw)-1].ID).Token()
		case model.CursorPage:
			result.NextToken = model.PageCursor(cursor.Value + 1).Token()
		}
	}
	return result, nil
}

// GetTagHistoryPage は、タグ履歴 (post_versions) を1ページ取得します。
// "a<id>" のページは昇順で返し、次のトークンは "a<最大ID>" です。
// それ以外のページは降順で返し、次のトークンは "b<最小ID>" です。
// limit に満たないページはストリームの終端です。
func (d *DanbooruLoader) GetTagHistoryPage(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[model.TagHistoryEntry], error) {
	var page model.HistoryPage[model.TagHistoryEntry]
	var raw []danbooruPostVersion
	cursor, limit, err := d.fetchHistory(ctx, "post_versions.json", token, limit, &raw)
	if err != nil {
		return page, err
	}

	for _, v := range raw {
		page.Results = append(page.Results, model.TagHistoryEntry{
			HistoryID:     v.ID,
			UpdatedAt:     v.UpdatedAt.Time,
			PostID:        v.PostID,
			ParentID:      v.ParentID,
			ParentChanged: v.ParentChanged,
		})
	}
	page.Results, page.NextToken = orderCursorPage(page.Results, cursor, limit, model.TagHistoryEntry.GetHistoryID)
	return page, nil
}

// GetNoteHistoryPage は、ノート履歴 (note_versions) を1ページ取得します。
func (d *DanbooruLoader) GetNoteHistoryPage(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[model.NoteHistoryEntry], error) {
	var page model.HistoryPage[model.NoteHistoryEntry]
	var raw []danbooruNoteVersion
	cursor, limit, err := d.fetchHistory(ctx, "note_versions.json", token, limit, &raw)
	if err != nil {
		return page, err
	}

	for _, v := range raw {
		page.Results = append(page.Results, model.NoteHistoryEntry{
			HistoryID: v.ID,
			PostID:    v.PostID,
			UpdatedAt: v.UpdatedAt.Time,
		})
	}
	page.Results, page.NextToken = orderCursorPage(page.Results, cursor, limit, model.NoteHistoryEntry.GetHistoryID)
	return page, nil
}

func (d *DanbooruLoader) fetchHistory(ctx context.Context, path string, token *model.SearchToken, limit int, out any) (model.Cursor, int, error) {
	limit = d.EffectivePageSize(limit)
	cursor, err := model.ParseToken(token)
	if err != nil {
		return cursor, limit, err
	}
	if cursor.Kind == model.CursorOpaque {
		return cursor, limit, fmt.Errorf("%w: Danbooruの履歴では使えないトークンです (%s)", model.ErrInvalidCursor, cursor)
	}

	q := d.authQuery(url.Values{})
	q.Set("limit", strconv.Itoa(limit))
	q.Set("page", cursor.String())
	reqURL, err := buildURL(d.baseURL, path, q)
	if err != nil {
		return cursor, limit, err
	}
	if err := d.client.GetJSON(ctx, reqURL, nil, out); err != nil {
		return cursor, limit, fmt.Errorf("履歴ページの取得に失敗しました (site=danbooru, path=%s, page=%s): %w", path, cursor, err)
	}
	return cursor, limit, nil
}

// orderCursorPage は、カーソルの向きに合わせてエントリを並べ替え、次のトークンを決めます。
func orderCursorPage[T any](entries []T, cursor model.Cursor, limit int, id func(T) int) ([]T, *model.SearchToken) {
	if cursor.Kind == model.CursorAfter {
		sort.SliceStable(entries, func(i, j int) bool { return id(entries[i]) < id(entries[j]) })
	} else {
		sort.SliceStable(entries, func(i, j int) bool { return id(entries[i]) > id(entries[j]) })
	}
	if len(entries) == 0 || len(entries) < limit {
		return entries, nil
	}
	last := id(entries[len(entries)-1])
	if cursor.Kind == model.CursorAfter {
		return entries, model.AfterCursor(last).Token()
	}
	return entries, model.BeforeCursor(last).Token()
}

// FavoritePost は、投稿をお気に入りに追加します。login と api_key が必要です。
func (d *DanbooruLoader) FavoritePost(ctx context.Context, id int) error {
	if d.login == "" || d.apiKey == "" {
		return fmt.Errorf("%w (site=danbooru, 必要: login, api_key)", ErrCredentialsRequired)
	}
	reqURL, err := buildURL(d.baseURL, "favorites.json", d.authQuery(nil))
	if err != nil {
		return err
	}
	if _, err := d.client.PostForm(ctx, reqURL, url.Values{"post_id": {strconv.Itoa(id)}}, nil); err != nil {
		return fmt.Errorf("お気に入り登録に失敗しました (site=danbooru, post_id=%d): %w", id, err)
	}
	return nil
}
