package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"
)

const (
	sankakuDefaultBaseURL = "https://capi-v2.sankakucomplex.com"
	sankakuDefaultLimit   = 40
	sankakuMaxLimit       = 100
)

// SankakuLoader は、Sankaku Channel の JSON API を使うアダプタです。
// 履歴は before_id でしか辿れないため、FamilyBeforeID に属します。
// 認証は発行済みのアクセストークンのみ対応します。
type SankakuLoader struct {
	client      *network.Client
	baseURL     string
	accessToken string
	pageSize    int
}

// NewSankakuLoader は、SankakuLoaderの新しいインスタンスを返します。
func NewSankakuLoader(opts Options) (Loader, error) {
	baseURL := opts.Site.BaseURL
	if baseURL == "" {
		baseURL = sankakuDefaultBaseURL
	}
	return &SankakuLoader{
		client:      opts.Client,
		baseURL:     baseURL,
		accessToken: opts.Site.AccessToken,
		pageSize:    clampLimit(opts.Site.PageSize, sankakuDefaultLimit, sankakuMaxLimit),
	}, nil
}

func (s *SankakuLoader) Name() string                 { return "sankaku" }
func (s *SankakuLoader) HistoryFamily() HistoryFamily { return FamilyBeforeID }

func (s *SankakuLoader) EffectivePageSize(limit int) int {
	return clampLimit(limit, s.pageSize, sankakuMaxLimit)
}

type sankakuTag struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type sankakuPost struct {
	ID        int          `json:"id"`
	MD5       string       `json:"md5"`
	FileURL   string       `json:"file_url"`
	Rating    string       `json:"rating"`
	Source    string       `json:"source"`
	ParentID  *int         `json:"parent_id"`
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	CreatedAt flexTime     `json:"created_at"`
	Tags      []sankakuTag `json:"tags"`
}

type sankakuKeysetResponse struct {
	Meta struct {
		Next string `json:"next"`
	} `json:"meta"`
	Data []sankakuPost `json:"data"`
}

type sankakuTagHistory struct {
	ID        int      `json:"id"`
	PostID    int      `json:"post_id"`
	UpdatedAt flexTime `json:"created_at"`
	ParentID  *int     `json:"parent_id"`
	// 直前のバージョンの親投稿。親投稿の変更判定に使います。
	PreviousParentID *int `json:"previous_parent_id"`
}

type sankakuNoteHistory struct {
	ID        int      `json:"id"`
	PostID    int      `json:"post_id"`
	UpdatedAt flexTime `json:"updated_at"`
}

// sankakuTagType は、Sankaku のタグ種別番号を変換します。
func sankakuTagType(n int) model.TagType {
	switch n {
	case 0:
		return model.TagTypeGeneral
	case 1:
		return model.TagTypeArtist
	case 3:
		return model.TagTypeCopyright
	case 4:
		return model.TagTypeCharacter
	case 8, 9: // 8: medium, 9: meta
		return model.TagTypeMeta
	default:
		return model.TagTypeUnknown
	}
}

func (s *SankakuLoader) headers() map[string]string {
	if s.accessToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + s.accessToken}
}

func (s *SankakuLoader) toPost(p sankakuPost) *model.Post {
	tags := make([]model.Tag, 0, len(p.Tags))
	for _, t := range p.Tags {
		tags = append(tags, model.Tag{Name: t.Name, Type: sankakuTagType(t.Type)})
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
	}
}

// GetPost は、投稿のメタデータを取得します。
func (s *SankakuLoader) GetPost(ctx context.Context, id int) (*model.Post, error) {
	q := url.Values{}
	q.Set("tags", fmt.Sprintf("id_range:%d", id))
	q.Set("limit", "1")
	reqURL, err := buildURL(s.baseURL, "posts", q)
	if err != nil {
		return nil, err
	}
	var raw []sankakuPost
	if err := s.client.GetJSON(ctx, reqURL, s.headers(), &raw); err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました (site=sankaku, post_id=%d): %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w (site=sankaku, post_id=%d)", ErrNotFound, id)
	}
	return s.toPost(raw[0]), nil
}

// Search は、タグで投稿を検索します。トークンはサイト独自のキーセットカーソルです。
func (s *SankakuLoader) Search(ctx context.Context, tags string, token *model.SearchToken, limit int) (model.SearchResult, error) {
	limit = s.EffectivePageSize(limit)
	q := url.Values{}
	q.Set("tags", tags)
	q.Set("limit", strconv.Itoa(limit))
	if token != nil {
		cursor, err := model.ParseToken(token)
		if err != nil {
			return model.SearchResult{}, err
		}
		q.Set("next", cursor.String())
	}
	reqURL, err := buildURL(s.baseURL, "posts/keyset", q)
	if err != nil {
		return model.SearchResult{}, err
	}

	var raw sankakuKeysetResponse
	if err := s.client.GetJSON(ctx, reqURL, s.headers(), &raw); err != nil {
		return model.SearchResult{}, fmt.Errorf("検索に失敗しました (site=sankaku, tags=%s): %w", tags, err)
	}
	result := model.SearchResult{Results: make([]model.PostPreview, 0, len(raw.Data))}
	for _, p := range raw.Data {
		result.Results = append(result.Results, model.PostPreview{ID: p.ID, MD5: p.MD5})
	}
	if raw.Meta.Next != "" && len(raw.Data) > 0 {
		result.NextToken = model.OpaqueCursor(raw.Meta.Next).Token()
	}
	return result, nil
}

// beforeID は、履歴トークンを before_id の値に変換します。nil と1ページ目は最新からです。
func beforeID(token *model.SearchToken) (int, bool, error) {
	cursor, err := model.ParseToken(token)
	if err != nil {
		return 0, false, err
	}
	switch {
	case cursor.Kind == model.CursorBefore:
		return cursor.Value, true, nil
	case cursor.Kind == model.CursorPage && cursor.Value <= 1:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("%w: before_id 形式のトークンが必要です (%s)", model.ErrInvalidCursor, cursor)
	}
}

func (s *SankakuLoader) historyURL(path string, token *model.SearchToken, limit int) (string, error) {
	id, ok, err := beforeID(token)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(s.EffectivePageSize(limit)))
	if ok {
		q.Set("before_id", strconv.Itoa(id))
	}
	return buildURL(s.baseURL, path, q)
}

// GetTagHistoryPage は、タグ履歴を新しい順に1ページ取得します。
// 空でないページの次のトークンは "b<最小ID>" です。
func (s *SankakuLoader) GetTagHistoryPage(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[model.TagHistoryEntry], error) {
	var page model.HistoryPage[model.TagHistoryEntry]
	reqURL, err := s.historyURL("post_tag_history", token, limit)
	if err != nil {
		return page, err
	}
	var raw []sankakuTagHistory
	if err := s.client.GetJSON(ctx, reqURL, s.headers(), &raw); err != nil {
		return page, fmt.Errorf("履歴ページの取得に失敗しました (site=sankaku, url=%s): %w", reqURL, err)
	}

	for _, h := range raw {
		page.Results = append(page.Results, model.TagHistoryEntry{
			HistoryID:     h.ID,
			UpdatedAt:     h.UpdatedAt.Time,
			PostID:        h.PostID,
			ParentID:      h.ParentID,
			ParentChanged: !sameParent(h.ParentID, h.PreviousParentID),
		})
	}
	// 件数に関係なく、空でなければ次は "b<最小ID>"
	page.Results, page.NextToken = orderCursorPage(page.Results, model.BeforeCursor(0), 1, model.TagHistoryEntry.GetHistoryID)
	return page, nil
}

// GetNoteHistoryPage は、ノート履歴を新しい順に1ページ取得します。
func (s *SankakuLoader) GetNoteHistoryPage(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[model.NoteHistoryEntry], error) {
	var page model.HistoryPage[model.NoteHistoryEntry]
	reqURL, err := s.historyURL("notes/history", token, limit)
	if err != nil {
		return page, err
	}
	var raw []sankakuNoteHistory
	if err := s.client.GetJSON(ctx, reqURL, s.headers(), &raw); err != nil {
		return page, fmt.Errorf("ノート履歴の取得に失敗しました (site=sankaku, url=%s): %w", reqURL, err)
	}

	for _, h := range raw {
		page.Results = append(page.Results, model.NoteHistoryEntry{
			HistoryID: h.ID,
			PostID:    h.PostID,
			UpdatedAt: h.UpdatedAt.Time,
		})
	}
	page.Results, page.NextToken = orderCursorPage(page.Results, model.BeforeCursor(0), 1, model.NoteHistoryEntry.GetHistoryID)
	return page, nil
}

func sameParent(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// FavoritePost は、アクセストークンを使って投稿をお気に入りに追加します。
func (s *SankakuLoader) FavoritePost(ctx context.Context, id int) error {
	if s.accessToken == "" {
		return fmt.Errorf("%w (site=sankaku, 必要: access_token)", ErrCredentialsRequired)
	}
	reqURL, err := buildURL(s.baseURL, fmt.Sprintf("posts/%d/favorite", id), nil)
	if err != nil {
		return err
	}
	if _, err := s.client.PostForm(ctx, reqURL, url.Values{}, s.headers()); err != nil {
		return fmt.Errorf("お気に入り登録に失敗しました (site=sankaku, post_id=%d): %w", id, err)
	}
	return nil
}
