package adapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"

	"github.com/PuerkitoBio/goquery"
)

var (
	// 投稿リンクからIDを抽出 (/post/show/123, /posts/123, index.php?...&id=123)
	postLinkPattern = regexp.MustCompile(`(?:/post/show/|/posts/|[?&]id=)(\d+)`)
	// 変更内容の "parent:123" を抽出
	parentChangePattern = regexp.MustCompile(`parent:(\d+|none)`)
)

// サイトが返す日時のうち、RFC3339以外で見かける形式
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RubyDate, // Gelbooru: "Sat Jan 06 12:34:56 -0600 2024"
}

// parseTime は、既知の形式を順に試して日時を解析します。タイムゾーンの無い形式はUTCとみなします。
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("日時 '%s' を解析できません", s)
}

// flexTime は、文字列・UNIX秒・{"s": UNIX秒} のいずれの形式でもデコードできる日時です。
type flexTime struct {
	time.Time
}

func (ft *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		ft.Time = time.Time{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			ft.Time = time.Time{}
			return nil
		}
		t, err := parseTime(s)
		if err != nil {
			return err
		}
		ft.Time = t
		return nil
	case '{':
		var obj struct {
			S int64 `json:"s"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		ft.Time = time.Unix(obj.S, 0).UTC()
		return nil
	default:
		var unix float64
		if err := json.Unmarshal(data, &unix); err != nil {
			return fmt.Errorf("日時の形式が不正です (%s): %w", string(data), err)
		}
		ft.Time = time.Unix(int64(unix), 0).UTC()
		return nil
	}
}

// buildURL は、ベースURLにパスとクエリを結合します。
func buildURL(baseURL, path string, query url.Values) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("ベースURLの解析に失敗しました (%s): %w", baseURL, err)
	}
	u = u.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// clampLimit は、limit を 1..max に収めます。0以下の場合は def を返します。
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// splitTags は、空白区切りのタグ文字列を指定した種別のタグに変換します。
func splitTags(s string, typ model.TagType) []model.Tag {
	fields := strings.Fields(s)
	tags := make([]model.Tag, 0, len(fields))
	for _, name := range fields {
		tags = append(tags, model.Tag{Name: name, Type: typ})
	}
	return tags
}

// postIDFromLink は、投稿ページへのリンクから投稿IDを取り出します。
func postIDFromLink(href string) (int, bool) {
	m := postLinkPattern.FindStringSubmatch(href)
	if len(m) < 2 {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// pageNumber は、トークンをページ番号として解釈します。nil は1ページ目です。
// ページ番号以外のカーソルは、このサイトでは不正なトークンとして扱います。
func pageNumber(token *model.SearchToken) (int, error) {
	c, err := model.ParseToken(token)
	if err != nil {
		return 0, err
	}
	if c.Kind != model.CursorPage {
		return 0, fmt.Errorf("%w: ページ番号が必要です (%s)", model.ErrInvalidCursor, c)
	}
	if c.Value < 1 {
		return 1, nil
	}
	return c.Value, nil
}

// NewDocumentFromString は、HTML文字列からgoquery.Documentを生成するヘルパー関数です。
func NewDocumentFromString(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func intPtr(v int) *int {
	return &v
}

// isNotFound は、エラーが HTTP 404 かどうかを判定します。
func isNotFound(err error) bool {
	var httpErr *network.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
