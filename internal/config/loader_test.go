package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndResolve_Templates(t *testing.T) {
	// 1. Arrange (準備)
	testConfigPath := filepath.Join("testdata", "test_config.json")
	data, err := os.ReadFile(testConfigPath)
	require.NoError(t, err, "テスト設定ファイルの読み込みに失敗しました")

	// 2. Act (実行)
	cfg, err := ParseAndResolve(data)

	// 3. Assert (検証)
	require.NoError(t, err)
	require.Len(t, cfg.Tasks, 3)
	assert.Equal(t, 2, cfg.GlobalMaxConcurrentTasks)
	assert.Equal(t, 500, cfg.History.RetryWaitMillis)
	assert.Equal(t, 100, cfg.Sites["danbooru"].PageSize)

	// --- テンプレートの継承 ---
	task1 := cfg.Tasks[0]
	assert.Equal(t, "Danbooru Tags", task1.TaskName)
	assert.Equal(t, HistoryKindTag, task1.HistoryKind)
	assert.Equal(t, 100, task1.Limit)
	assert.Equal(t, 600000, task1.WatchIntervalMillis)
	assert.True(t, task1.IsEnabled())

	// --- テンプレートなし ---
	task2 := cfg.Tasks[1]
	assert.Equal(t, HistoryKindNote, task2.HistoryKind)
	assert.Equal(t, "2024-01-01T00:00:00Z", task2.UpTo)
	assert.Zero(t, task2.WatchIntervalMillis)

	// --- 上書き ---
	task3 := cfg.Tasks[2]
	assert.Equal(t, 20, task3.Limit)
	assert.Equal(t, 600000, task3.WatchIntervalMillis)
	assert.False(t, task3.IsEnabled())
}

func TestParseAndResolve_Errors(t *testing.T) {
	cases := map[string]string{
		"構文エラー":      `{"config_version": "1.0",`,
		"バージョン不一致":   `{"config_version": "2.0"}`,
		"未定義テンプレート":  `{"config_version": "1.0", "tasks": [{"task_name": "x", "site": "danbooru", "use_template": "nope"}]}`,
		"siteなし":     `{"config_version": "1.0", "tasks": [{"task_name": "x"}]}`,
		"不正なkind":    `{"config_version": "1.0", "tasks": [{"task_name": "x", "site": "danbooru", "history_kind": "pool"}]}`,
		"不正なup_to":   `{"config_version": "1.0", "tasks": [{"task_name": "x", "site": "danbooru", "up_to": "yesterday"}]}`,
		"型エラー":       `{"config_version": "1.0", "global_max_concurrent_tasks": "many"}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAndResolve([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestParseAndResolve_DefaultsHistoryKindToTag(t *testing.T) {
	// Arrange: history_kind はテンプレートにもタスクにも無い
	data := []byte(`{
		"config_version": "1.0",
		"task_templates": { "base": { "limit": 50 } },
		"tasks": [
			{ "task_name": "plain", "site": "danbooru" },
			{ "task_name": "templated", "site": "yandere", "use_template": "base" }
		]
	}`)

	// Act
	cfg, err := ParseAndResolve(data)

	// Assert
	require.NoError(t, err)
	require.Len(t, cfg.Tasks, 2)
	for _, task := range cfg.Tasks {
		assert.Equal(t, HistoryKindTag, task.HistoryKind, task.TaskName)
	}
	assert.Equal(t, 50, cfg.Tasks[1].Limit)
}

func TestValidateTask_RejectsEmptyHistoryKind(t *testing.T) {
	err := validateTask(Task{TaskName: "x", Site: "danbooru"})

	assert.ErrorContains(t, err, "history_kind")
}

func TestApplyEnvOverrides(t *testing.T) {
	// Arrange
	cfg := &Config{Sites: map[string]SiteSettings{
		"danbooru": {BaseURL: "https://danbooru.donmai.us", Login: "alice"},
	}}
	env := map[string]string{
		"GBL_DANBOORU_API_KEY":     "secret",
		"GBL_SANKAKU_ACCESS_TOKEN": "token",
		"GBL_YANDERE_LOGIN":        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	// Act
	ApplyEnvOverrides(cfg, lookup)

	// Assert
	assert.Equal(t, "secret", cfg.Sites["danbooru"].APIKey)
	assert.Equal(t, "alice", cfg.Sites["danbooru"].Login)
	assert.Equal(t, "token", cfg.Sites["sankaku"].AccessToken)
	_, ok := cfg.Sites["yandere"]
	assert.False(t, ok, "空の環境変数ではエントリを作成しません")
}

func TestLoadAndResolve_ReadsDotEnv(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"config_version": "1.0", "sites": {"gelbooru": {"base_url": "https://gelbooru.com"}}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("GBL_GELBOORU_API_KEY=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("GBL_GELBOORU_API_KEY") })

	// Act
	cfg, err := LoadAndResolve(filepath.Join(dir, "config.json"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Sites["gelbooru"].APIKey)
	assert.Equal(t, "https://gelbooru.com", cfg.Sites["gelbooru"].BaseURL)
}
