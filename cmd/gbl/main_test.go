package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig は、danbooru をダミーサーバーに向けた設定ファイルを作ります。
func writeConfig(t *testing.T, serverURL string, tasks string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`{
  "config_version": "1.0",
  "network": { "per_domain_interval_ms": { "127.0.0.1": 0 } },
  "sites": { "danbooru": { "base_url": %q } },
  "tasks": [%s]
}`, serverURL, tasks)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// execute は、ルートコマンドを args で実行し、標準出力と標準エラーの内容を返します。
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestPostCommand(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/posts/42.json", r.URL.Path)
		w.Write([]byte(`{"id":42,"md5":"abc","tag_string_general":"sky"}`))
	}))
	defer server.Close()
	cfgPath := writeConfig(t, server.URL, "")

	// Act
	stdout, _, err := execute(t, "--config", cfgPath, "post", "danbooru", "42")

	// Assert
	require.NoError(t, err)
	var got struct {
		ID   int    `json:"id"`
		MD5  string `json:"md5"`
		Tags []struct {
			Name string `json:"name"`
		} `json:"tags"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, 42, got.ID)
	assert.Equal(t, "abc", got.MD5)
	require.Len(t, got.Tags, 1)
	assert.Equal(t, "sky", got.Tags[0].Name)
}

func TestPostCommand_RejectsInvalidID(t *testing.T) {
	_, _, err := execute(t, "post", "danbooru", "abc")

	assert.ErrorContains(t, err, "正の整数ではありません")
}

func TestSearchCommand_FollowsPageTokens(t *testing.T) {
	var mu sync.Mutex
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pages = append(pages, r.URL.Query().Get("page"))
		mu.Unlock()
		assert.Equal(t, "sky cloud", r.URL.Query().Get("tags"))
		w.Write([]byte(`[{"id":9,"md5":"a"},{"id":8,"md5":"b"}]`))
	}))
	defer server.Close()
	cfgPath := writeConfig(t, server.URL, "")

	stdout, stderr, err := execute(t, "--config", cfgPath, "search", "danbooru", "sky", "cloud", "--limit", "2", "--pages", "2")

	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(stdout, "\n"))
	assert.Contains(t, stderr, "--token 3")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, pages)
}

func TestHistoryCommand_AfterID(t *testing.T) {
	// Arrange: after カーソルのページは古い順で、件数が limit 未満なので1ページで終わる
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/post_versions.json", r.URL.Path)
		assert.Equal(t, "a10", r.URL.Query().Get("page"))
		w.Write([]byte(`[
			{"id":11,"post_id":1,"updated_at":"2024-01-06T12:00:11Z"},
			{"id":12,"post_id":2,"updated_at":"2024-01-06T12:00:12Z"}
		]`))
	}))
	defer server.Close()
	cfgPath := writeConfig(t, server.URL, "")

	// Act
	stdout, _, err := execute(t, "--config", cfgPath, "history", "danbooru", "--after", "10")

	// Assert
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"history_id":11`)
	assert.Contains(t, lines[1], `"history_id":12`)
}

func TestHistoryCommand_NoteAfterIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("リクエストしてはいけません: %s", r.URL)
	}))
	defer server.Close()
	cfgPath := writeConfig(t, server.URL, "")

	_, _, err := execute(t, "--config", cfgPath, "history", "danbooru", "--kind", "note", "--after", "10")

	assert.ErrorContains(t, err, "--after")
}

func TestFavoriteCommand_UnsupportedSite(t *testing.T) {
	_, _, err := execute(t, "--config", filepath.Join(t.TempDir(), "none.json"), "favorite", "gelbooru", "1")

	assert.ErrorIs(t, err, adapter.ErrUnsupported)
}

func TestRunCommand_WritesTaskOutput(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":30,"post_id":3},{"id":29,"post_id":2}]`))
	}))
	defer server.Close()
	out := filepath.Join(t.TempDir(), "tags.jsonl")
	cfgPath := writeConfig(t, server.URL, fmt.Sprintf(`{
		"task_name": "tags", "site": "danbooru", "history_kind": "tag",
		"output_path": %q, "checkpoint_path": %q
	}`, out, out+".checkpoint.json"))

	// Act
	_, _, err := execute(t, "--config", cfgPath, "run")

	// Assert
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
	assert.FileExists(t, out+".checkpoint.json")
}

func TestRunCommand_RequiresConfigFile(t *testing.T) {
	_, _, err := execute(t, "--config", filepath.Join(t.TempDir(), "none.json"), "run")

	assert.Error(t, err)
}

func TestSelectTasks(t *testing.T) {
	disabled := false
	tasks := []config.Task{
		{TaskName: "a", Site: "danbooru"},
		{TaskName: "b", Site: "yandere", Enabled: &disabled},
		{TaskName: "c", Site: "sankaku"},
	}

	all, err := selectTasks(tasks, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := selectTasks(tasks, []string{"c"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "sankaku", one[0].Site)

	_, err = selectTasks(tasks, []string{"missing"})
	assert.Error(t, err)
}
