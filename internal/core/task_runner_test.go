package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTaskEnv は、ダミーサーバーを指すサイト設定と、ログを捨てる TaskEnv を作ります。
func newTaskEnv(t *testing.T, site string, handler http.HandlerFunc) TaskEnv {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := network.NewClient(config.NetworkSettings{
		UserAgent:               "gbl-test",
		PerDomainIntervalMillis: map[string]int{"127.0.0.1": 0},
	}, nil)
	require.NoError(t, err)

	return TaskEnv{
		Client:    client,
		Sites:     map[string]config.SiteSettings{site: {BaseURL: server.URL}},
		Stats:     NewSessionStats(),
		LogOutput: &bytes.Buffer{},
	}
}

func readRecords(t *testing.T, path string) []historyRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []historyRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r historyRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestExecuteTask_ResumesFromCheckpoint(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	var mu sync.Mutex
	var gotPages []string
	env := newTaskEnv(t, "danbooru", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPages = append(gotPages, r.URL.Query().Get("page"))
		mu.Unlock()
		w.Write([]byte(`[
			{"id":12,"post_id":2,"updated_at":"2024-01-06T12:00:12Z"},
			{"id":11,"post_id":1,"updated_at":"2024-01-06T12:00:11Z"}
		]`))
	})
	task := config.Task{
		TaskName:       "danbooru-tags",
		Site:           "danbooru",
		HistoryKind:    config.HistoryKindTag,
		Limit:          100,
		OutputPath:     filepath.Join(dir, "out", "history.jsonl"),
		CheckpointPath: filepath.Join(dir, "state", "checkpoint.json"),
	}
	require.NoError(t, SaveCheckpoint(task.CheckpointPath, &HistoryCheckpoint{Site: "danbooru", HistoryKind: "tag", LastHistoryID: 10}))

	// Act
	err := ExecuteTask(context.Background(), task, env, false)

	// Assert
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"a10"}, gotPages)
	mu.Unlock()

	records := readRecords(t, task.OutputPath)
	require.Len(t, records, 2)
	assert.Equal(t, 11, records[0].Tag.HistoryID, "after カーソルの結果は古い順に出力されます")
	assert.Equal(t, 12, records[1].Tag.HistoryID)
	assert.Equal(t, "danbooru", records[0].Site)
	assert.NotEmpty(t, records[0].RunID)

	cp, err := LoadCheckpoint(task.CheckpointPath)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 12, cp.LastHistoryID)
	assert.Equal(t, records[0].RunID, cp.LastRunID)
	assert.False(t, cp.LastChecked.IsZero())

	cycles, entries, errs := env.Stats.Snapshot()
	assert.Equal(t, 1, cycles)
	assert.Equal(t, 2, entries)
	assert.Zero(t, errs)
}

func TestRunHistoryCycle_TruncatedBeforeIDWalkKeepsCheckpoint(t *testing.T) {
	// Arrange: 最新ページは 100..91 で、次のページ b91 は常に失敗する
	dir := t.TempDir()
	loader := &fakeLoader{family: adapter.FamilyBeforeID, tagPage: func(token string, _ int) (model.HistoryPage[model.TagHistoryEntry], error) {
		if token != "<first>" {
			return model.HistoryPage[model.TagHistoryEntry]{}, errors.New("接続がリセットされました")
		}
		page := model.HistoryPage[model.TagHistoryEntry]{NextToken: model.BeforeCursor(91).Token()}
		for _, id := range descending(100, 91) {
			page.Results = append(page.Results, tagEntry(id))
		}
		return page, nil
	}}
	task := config.Task{
		TaskName:       "sankaku-tags",
		Site:           "fake",
		HistoryKind:    config.HistoryKindTag,
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
	}
	require.NoError(t, SaveCheckpoint(task.CheckpointPath, &HistoryCheckpoint{Site: "fake", HistoryKind: "tag", LastHistoryID: 80, LastRunID: "previous"}))
	var out bytes.Buffer
	env := TaskEnv{Output: &out}

	// Act
	written, err := runHistoryCycle(context.Background(), task, loader, env, "run-1", log.New(io.Discard, "", 0))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 10, written)
	assert.Equal(t, LogAndContinue.MaxRetries+1, loader.countCalls("b91"))

	cp, err := LoadCheckpoint(task.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 80, cp.LastHistoryID, "81..90 を取得できていないので再開位置を進めません")
	assert.Equal(t, "previous", cp.LastRunID)
}

func TestRunHistoryCycle_TruncatedCursorWalkAdvancesToWrittenRange(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{family: adapter.FamilyCursor, tagPage: failingToken(cursorHistory(40, 10), "a20")}
	task := config.Task{
		TaskName:       "danbooru-tags",
		Site:           "fake",
		HistoryKind:    config.HistoryKindTag,
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
	}
	require.NoError(t, SaveCheckpoint(task.CheckpointPath, &HistoryCheckpoint{Site: "fake", HistoryKind: "tag", LastHistoryID: 10}))
	env := TaskEnv{Output: io.Discard}

	written, err := runHistoryCycle(context.Background(), task, loader, env, "run-2", log.New(io.Discard, "", 0))

	require.NoError(t, err)
	assert.Equal(t, 10, written)
	cp, err := LoadCheckpoint(task.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 20, cp.LastHistoryID, "古い順の走査は出力済みの範囲まで進めます")
	assert.Equal(t, "run-2", cp.LastRunID)
}

func TestRunHistoryCycle_TruncatedNoteWalkKeepsCheckpoint(t *testing.T) {
	dir := t.TempDir()
	history := &numberedHistory{ids: descending(30, 1), pageSize: 10}
	loader := &fakeLoader{notePage: toNotes(flakyPages(history, "2", -1))}
	task := config.Task{
		TaskName:       "notes",
		Site:           "fake",
		HistoryKind:    config.HistoryKindNote,
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
	}
	since := baseTime.Add(5 * time.Minute)
	require.NoError(t, SaveCheckpoint(task.CheckpointPath, &HistoryCheckpoint{Site: "fake", HistoryKind: "note", LastUpdatedAt: since}))
	env := TaskEnv{Output: io.Discard}

	written, err := runHistoryCycle(context.Background(), task, loader, env, "run-3", log.New(io.Discard, "", 0))

	require.NoError(t, err)
	assert.Equal(t, 10, written)
	cp, err := LoadCheckpoint(task.CheckpointPath)
	require.NoError(t, err)
	assert.True(t, cp.LastUpdatedAt.Equal(since))
}

func TestExecuteTask_FirstRunWritesLatestPage(t *testing.T) {
	dir := t.TempDir()
	env := newTaskEnv(t, "danbooru", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		w.Write([]byte(`[{"id":30,"post_id":3},{"id":29,"post_id":2}]`))
	})
	var out bytes.Buffer
	env.Output = &out
	task := config.Task{
		TaskName:       "first",
		Site:           "danbooru",
		HistoryKind:    config.HistoryKindTag,
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
	}

	require.NoError(t, ExecuteTask(context.Background(), task, env, false))

	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
	cp, err := LoadCheckpoint(task.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 30, cp.LastHistoryID)
	assert.Equal(t, "danbooru", cp.Site)
}

func TestExecuteTask_RejectsCheckpointOfAnotherTask(t *testing.T) {
	dir := t.TempDir()
	env := newTaskEnv(t, "danbooru", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("リクエストしてはいけません: %s", r.URL)
	})
	task := config.Task{
		TaskName:       "mismatch",
		Site:           "danbooru",
		HistoryKind:    config.HistoryKindTag,
		OutputPath:     filepath.Join(dir, "out.jsonl"),
		CheckpointPath: filepath.Join(dir, "checkpoint.json"),
	}
	require.NoError(t, SaveCheckpoint(task.CheckpointPath, &HistoryCheckpoint{Site: "yandere", HistoryKind: "tag", LastHistoryID: 10}))

	err := ExecuteTask(context.Background(), task, env, false)

	require.Error(t, err)
	_, _, errs := env.Stats.Snapshot()
	assert.Equal(t, 1, errs)
}

func TestExecuteTask_NoteHistoryUpToDate(t *testing.T) {
	// Arrange: 1ページ目の途中で up_to を越えるので、2ページ目は取得しない
	dir := t.TempDir()
	var requests atomic.Int32
	env := newTaskEnv(t, "yandere", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/note/history.json", r.URL.Path)
		w.Write([]byte(`[
			{"post_id":10,"updated_at":"2024-01-06T12:00:00Z","version":2},
			{"post_id":11,"updated_at":"2024-01-05T12:00:00Z","version":1}
		]`))
	})
	task := config.Task{
		TaskName:       "notes",
		Site:           "yandere",
		HistoryKind:    config.HistoryKindNote,
		UpTo:           "2024-01-06T00:00:00Z",
		OutputPath:     filepath.Join(dir, "notes.jsonl"),
		CheckpointPath: filepath.Join(dir, "notes.checkpoint.json"),
	}

	// Act
	require.NoError(t, ExecuteTask(context.Background(), task, env, false))

	// Assert
	assert.Equal(t, int32(1), requests.Load())
	records := readRecords(t, task.OutputPath)
	require.Len(t, records, 1)
	assert.Equal(t, 10, records[0].Note.PostID)
	assert.Nil(t, records[0].Tag)

	cp, err := LoadCheckpoint(task.CheckpointPath)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC).Equal(cp.LastUpdatedAt))
	assert.Zero(t, cp.LastHistoryID)
}

func TestExecuteTask_FailureIsReturnedOutsideWatchMode(t *testing.T) {
	env := newTaskEnv(t, "danbooru", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	task := config.Task{TaskName: "forbidden", Site: "danbooru", HistoryKind: config.HistoryKindTag, AfterHistoryID: 5}
	env.Output = &bytes.Buffer{}

	err := ExecuteTask(context.Background(), task, env, false)

	var httpErr *network.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestExecuteTask_UnknownSite(t *testing.T) {
	env := newTaskEnv(t, "danbooru", func(http.ResponseWriter, *http.Request) {})

	err := ExecuteTask(context.Background(), config.Task{TaskName: "x", Site: "futaba", HistoryKind: "tag"}, env, false)

	assert.Error(t, err)
}

func TestExecuteTask_WatchModeStopsOnCancel(t *testing.T) {
	// Arrange
	env := newTaskEnv(t, "danbooru", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	env.Output = &bytes.Buffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var states []AppState
	env.OnStatus = func(_ string, state AppState, _ string) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
		if state == StateWatching {
			cancel()
		}
	}
	task := config.Task{TaskName: "watch", Site: "danbooru", HistoryKind: config.HistoryKindTag, WatchIntervalMillis: 60000}

	// Act
	done := make(chan error, 1)
	go func() { done <- ExecuteTask(ctx, task, env, true) }()

	// Assert
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("監視モードがキャンセルで終了しませんでした")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []AppState{StateRunning, StateWatching, StateIdle}, states)
	cycles, _, _ := env.Stats.Snapshot()
	assert.Equal(t, 1, cycles)
}

func TestLevelFilter_DropsDebugUnlessEnabled(t *testing.T) {
	var buf bytes.Buffer
	quiet := levelFilter{w: &buf}
	verbose := levelFilter{w: &buf, debug: true}

	quiet.Write([]byte("[t] DEBUG: hidden\n"))
	quiet.Write([]byte("[t] INFO: shown\n"))
	verbose.Write([]byte("[t] DEBUG: shown too\n"))

	assert.Equal(t, "[t] INFO: shown\n[t] DEBUG: shown too\n", buf.String())
}

func TestCheckpoint_MissingFileIsNil(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "none.json"))

	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpoint_BrokenFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := LoadCheckpoint(path)

	assert.Error(t, err)
}

func TestCheckpoint_AdvanceNeverMovesBackward(t *testing.T) {
	newest := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)
	cp := &HistoryCheckpoint{LastHistoryID: 100, LastUpdatedAt: newest}
	checked := time.Now()

	cp.Advance(0, time.Time{}, "run-2", checked)

	assert.Equal(t, 100, cp.LastHistoryID)
	assert.Equal(t, newest, cp.LastUpdatedAt)
	assert.Equal(t, "run-2", cp.LastRunID)
	assert.Equal(t, checked, cp.LastChecked)
}

func TestSessionStats_FormatSessionInfo(t *testing.T) {
	stats := NewSessionStats()
	stats.AddCycle(3)
	stats.AddCycle(2)
	stats.AddError()

	assert.Contains(t, stats.FormatSessionInfo(), "サイクル: 2 | 履歴: 5件 | エラー: 1")
}
