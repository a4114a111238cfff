package adapter

import (
	"context"
	"net/http"
	"testing"
	"time"

	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGelbooruHistory(t *testing.T) {
	// Arrange
	html := readTestdata(t, "gelbooru_history.html")

	// Act
	entries, err := ParseGelbooruHistory(html)

	// Assert
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 9001, entries[0].HistoryID)
	assert.Equal(t, 777, entries[0].PostID)
	assert.True(t, time.Date(2024, 1, 6, 12, 34, 56, 0, time.UTC).Equal(entries[0].UpdatedAt))
	assert.Equal(t, 9000, entries[1].HistoryID)
	assert.Equal(t, 776, entries[1].PostID)
}

func TestGelbooruLoader_TagHistoryPageOffset(t *testing.T) {
	html := readTestdata(t, "gelbooru_history.html")
	var gotPid string
	opts := newTestOptions(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "history", r.URL.Query().Get("page"))
		assert.Equal(t, "tag_history", r.URL.Query().Get("type"))
		gotPid = r.URL.Query().Get("pid")
		w.Write([]byte(html))
	}, config.SiteSettings{PageSize: 50})
	loader, err := NewRule34Loader(opts)
	require.NoError(t, err)

	page, err := loader.GetTagHistoryPage(context.Background(), model.PageCursor(3).Token(), 0)

	require.NoError(t, err)
	assert.Equal(t, "100", gotPid)
	assert.Len(t, page.Results, 2)
	require.NotNil(t, page.NextToken)
	assert.Equal(t, "4", page.NextToken.Page)
	assert.Equal(t, 50, loader.EffectivePageSize(10))
}

func TestDecodeDapiPosts(t *testing.T) {
	wrapped, err := decodeDapiPosts(`{"@attributes":{"count":1},"post":[{"id":1,"md5":"a","parent_id":0,"created_at":"Sat Jan 06 12:34:56 +0000 2024"}]}`)
	require.NoError(t, err)
	require.Len(t, wrapped, 1)
	assert.Equal(t, 1, wrapped[0].ID)

	bare, err := decodeDapiPosts(`[{"id":2,"hash":"b","parent_id":1,"change":1704544496}]`)
	require.NoError(t, err)
	require.Len(t, bare, 1)
	post := bare[0].toModel()
	assert.Equal(t, "b", post.MD5, "md5 が無い場合は hash を使う")
	require.NotNil(t, post.ParentID)
	assert.Equal(t, 1, *post.ParentID)
	assert.True(t, time.Date(2024, 1, 6, 12, 34, 56, 0, time.UTC).Equal(post.CreatedAt))

	empty, err := decodeDapiPosts("  \n")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decodeDapiPosts("<html>")
	assert.Error(t, err)
}

func TestGelbooruLoader_SearchUsesZeroBasedPid(t *testing.T) {
	var gotPid, gotAPIKey string
	opts := newTestOptions(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dapi", r.URL.Query().Get("page"))
		gotPid = r.URL.Query().Get("pid")
		gotAPIKey = r.URL.Query().Get("api_key")
		w.Write([]byte(`{"post":[{"id":5,"md5":"x"},{"id":4,"md5":"y"}]}`))
	}, config.SiteSettings{Login: "123", APIKey: "key"})
	loader, err := NewGelbooruLoader(opts)
	require.NoError(t, err)

	result, err := loader.Search(context.Background(), "sky", model.PageCursor(2).Token(), 2)

	require.NoError(t, err)
	assert.Equal(t, "1", gotPid)
	assert.Equal(t, "key", gotAPIKey)
	assert.Len(t, result.Results, 2)
	require.NotNil(t, result.NextToken)
	assert.Equal(t, "3", result.NextToken.Page)
}

func TestGelbooruLoader_GetPostNotFound(t *testing.T) {
	opts := newTestOptions(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(""))
	}, config.SiteSettings{})
	loader, err := NewGelbooruLoader(opts)
	require.NoError(t, err)

	_, err = loader.GetPost(context.Background(), 1)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGelbooruLoader_NoteHistoryUnsupported(t *testing.T) {
	opts := newTestOptions(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("未対応の操作でリクエストしてはいけません")
	}, config.SiteSettings{})
	loader, err := NewGelbooruLoader(opts)
	require.NoError(t, err)

	_, err = loader.GetNoteHistoryPage(context.Background(), nil, 10)

	assert.ErrorIs(t, err, ErrUnsupported)
	_, ok := loader.(Favoriter)
	assert.False(t, ok)
}
