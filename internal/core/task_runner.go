// Package core は、GBLの中核となる履歴トラバーサルと、それを使うタスクの実行を実装します。
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log"
	"os"
	"path/filepath"
	"time"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/cache"
	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/metrics"
	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"

	"github.com/google/uuid"
)

const defaultWatchInterval = 15 * time.Minute

// TaskEnv は、タスクの間で共有される依存関係です。
type TaskEnv struct {
	Client  *network.Client
	Sites   map[string]config.SiteSettings
	History config.HistorySettings
	Tags    *cache.TagCache
	Stats   *SessionStats
	// LogOutput が nil の場合は log.Writer() に出力します。
	LogOutput io.Writer
	// Output は output_path が未指定のタスクの出力先です。nil の場合は標準出力です。
	Output   io.Writer
	OnStatus StatusFunc
}

func (env TaskEnv) status(task config.Task, state AppState, detail string) {
	if env.OnStatus != nil {
		env.OnStatus(task.TaskName, state, detail)
	}
}

// ExecuteTask は、単一のタスクの全ライフサイクルを管理・実行します。
// 監視モードでは ctx がキャンセルされるまでサイクルを繰り返し、失敗したサイクルはログに残して次へ進みます。
func ExecuteTask(ctx context.Context, task config.Task, env TaskEnv, isWatchMode bool) error {
	logOutput := env.LogOutput
	if logOutput == nil {
		logOutput = log.Writer()
	}
	if env.Stats == nil {
		env.Stats = NewSessionStats()
	}
	logger := log.New(levelFilter{w: logOutput, debug: task.LogLevel == "debug"}, fmt.Sprintf("[%s] ", task.TaskName), log.LstdFlags)
	logger.Println("INFO: タスクを開始します。")

	loader, err := adapter.GetLoader(task.Site, adapter.Options{Client: env.Client, Site: env.Sites[task.Site], Tags: env.Tags})
	if err != nil {
		env.status(task, StateError, err.Error())
		return fmt.Errorf("サイトアダプタの取得に失敗しました (task=%s): %w", task.TaskName, err)
	}

	firstLoop := true
	for {
		if isWatchMode && !firstLoop {
			interval := time.Duration(task.WatchIntervalMillis) * time.Millisecond
			if interval <= 0 {
				interval = defaultWatchInterval
			}
			env.status(task, StateWatching, fmt.Sprintf("次のチェックまで %v", interval))
			logger.Printf("INFO: 次のチェックまで %v 待機します...", interval)
			select {
			case <-ctx.Done():
				logger.Println("INFO: シャットダウンシグナルを受信しました。タスクを終了します。")
				env.status(task, StateIdle, "")
				return nil
			case <-time.After(interval):
			}
		}
		firstLoop = false

		runID := uuid.NewString()
		env.status(task, StateRunning, "run_id="+runID)
		written, err := runHistoryCycle(ctx, task, loader, env, runID, logger)
		if err != nil {
			if ctx.Err() != nil {
				logger.Printf("INFO: シャットダウンにより実行サイクルを中断しました (run_id=%s, 出力=%d件)", runID, written)
				env.status(task, StateIdle, "")
				return nil
			}
			metrics.TaskErrors.WithLabelValues(task.TaskName).Inc()
			env.Stats.AddError()
			env.status(task, StateError, err.Error())
			logger.Printf("ERROR: 履歴の取得に失敗しました (run_id=%s, 出力=%d件): %v", runID, written, err)
			if !isWatchMode {
				return fmt.Errorf("タスク '%s' の実行に失敗しました: %w", task.TaskName, err)
			}
			continue
		}

		env.Stats.AddCycle(written)
		logger.Printf("INFO: 今回の実行サイクルが完了しました (run_id=%s, 出力=%d件)", runID, written)
		if !isWatchMode {
			break
		}
	}

	env.status(task, StateIdle, "")
	logger.Println("INFO: タスクを終了します。")
	return nil
}

// cycleResult は、1サイクルで出力したエントリの集計です。
// oldestFirst は、走査が途中で切れても出力済みの範囲が再開位置から隙間なく続く走査かどうかです。
type cycleResult struct {
	written     int
	maxID       int
	newest      time.Time
	oldestFirst bool
}

func runHistoryCycle(ctx context.Context, task config.Task, loader adapter.Loader, env TaskEnv, runID string, logger *log.Logger) (int, error) {
	var cp *HistoryCheckpoint
	if task.CheckpointPath != "" {
		var err error
		if cp, err = LoadCheckpoint(task.CheckpointPath); err != nil {
			return 0, err
		}
		if cp != nil && !cp.Matches(loader.Name(), task.HistoryKind) {
			return 0, fmt.Errorf("チェックポイントが別のタスクのものです (path=%s, site=%s, history_kind=%s)", task.CheckpointPath, cp.Site, cp.HistoryKind)
		}
	}

	var upTo time.Time
	if task.UpTo != "" {
		var err error
		if upTo, err = time.Parse(time.RFC3339, task.UpTo); err != nil {
			return 0, fmt.Errorf("up_to の形式が不正です (%s): %w", task.UpTo, err)
		}
	}

	out, closeOut, err := openOutput(task.OutputPath, env.Output)
	if err != nil {
		return 0, err
	}
	defer closeOut()
	sink := &historySink{enc: json.NewEncoder(out), runID: runID, site: loader.Name(), kind: task.HistoryKind}

	opts := HistoryOptions{
		Logger:             logger,
		RetryWait:          time.Duration(env.History.RetryWaitMillis) * time.Millisecond,
		PredictionAttempts: env.History.PredictionAttempts,
	}
	truncated := false
	opts.OnTruncated = func(*model.SearchToken, error) { truncated = true }

	var result cycleResult
	switch task.HistoryKind {
	case config.HistoryKindTag:
		result, err = runTagCycle(ctx, task, loader, cp, upTo, opts, sink)
	case config.HistoryKindNote:
		result, err = runNoteCycle(ctx, task, loader, cp, upTo, opts, sink)
	default:
		err = fmt.Errorf("不明な history_kind です: '%s'", task.HistoryKind)
	}
	metrics.HistoryEntries.WithLabelValues(loader.Name(), task.HistoryKind).Add(float64(result.written))
	if err != nil {
		return result.written, err
	}

	if truncated {
		if !result.oldestFirst {
			// 新しい順の走査では、出力できなかった古い側のエントリを次回取り直す
			logger.Printf("WARNING: 走査が途中で打ち切られたため、チェックポイントを更新しません (run_id=%s, 出力=%d件)", runID, result.written)
			return result.written, nil
		}
		logger.Printf("WARNING: 走査が途中で打ち切られました。出力済みの範囲までチェックポイントを進めます (run_id=%s, 出力=%d件)", runID, result.written)
	}

	if task.CheckpointPath != "" {
		if cp == nil {
			cp = &HistoryCheckpoint{Site: loader.Name(), HistoryKind: task.HistoryKind}
		}
		cp.Advance(result.maxID, result.newest, runID, time.Now())
		if err := SaveCheckpoint(task.CheckpointPath, cp); err != nil {
			return result.written, err
		}
		logger.Printf("DEBUG: チェックポイントを更新しました (last_history_id=%d, last_updated_at=%s)", cp.LastHistoryID, cp.LastUpdatedAt.Format(time.RFC3339))
	}
	return result.written, nil
}

// runTagCycle は、チェックポイントか after_history_id があればそこから現在まで、
// 無ければ up_to まで、どちらも無ければ最新の1ページを出力します。
func runTagCycle(ctx context.Context, task config.Task, loader adapter.Loader, cp *HistoryCheckpoint, upTo time.Time, opts HistoryOptions, sink *historySink) (cycleResult, error) {
	after := task.AfterHistoryID
	if cp != nil && cp.LastHistoryID > after {
		after = cp.LastHistoryID
	}

	switch {
	case after > 0:
		family := loader.HistoryFamily()
		opts.Logger.Printf("INFO: 履歴ID %d 以降のタグ履歴を取得します (family=%s)", after, family)
		r, err := drain(TagHistoryFromIDToPresent(ctx, loader, after, task.Limit, opts),
			func(e model.TagHistoryEntry) bool { return e.HistoryID > after }, sink.writeTag)
		r.oldestFirst = family == adapter.FamilyCursor || family == adapter.FamilyPredictedPage
		return r, err
	case !upTo.IsZero():
		opts.Logger.Printf("INFO: %s までのタグ履歴を取得します", upTo.Format(time.RFC3339))
		return drain(TagHistoryToDateTime(ctx, loader, upTo, task.Limit, opts),
			func(e model.TagHistoryEntry) bool { return !e.UpdatedAt.Before(upTo) }, sink.writeTag)
	default:
		entries, err := TagHistoryFirstPage(ctx, loader, task.Limit)
		if err != nil {
			return cycleResult{}, err
		}
		return drain(sliceSeq(entries), func(model.TagHistoryEntry) bool { return true }, sink.writeTag)
	}
}

// runNoteCycle は、前回出力した最新の更新日時か up_to までのノート履歴を出力します。
// ノート履歴には履歴IDが無いサイトがあるため、再開位置は日時で記録します。
func runNoteCycle(ctx context.Context, task config.Task, loader adapter.Loader, cp *HistoryCheckpoint, upTo time.Time, opts HistoryOptions, sink *historySink) (cycleResult, error) {
	since := upTo
	resumed := false
	if cp != nil && cp.LastUpdatedAt.After(since) {
		since = cp.LastUpdatedAt
		resumed = true
	}

	if since.IsZero() {
		entries, err := NoteHistoryFirstPage(ctx, loader, task.Limit)
		if err != nil {
			return cycleResult{}, err
		}
		return drain(sliceSeq(entries), func(model.NoteHistoryEntry) bool { return true }, sink.writeNote)
	}

	opts.Logger.Printf("INFO: %s までのノート履歴を取得します", since.Format(time.RFC3339))
	keep := func(e model.NoteHistoryEntry) bool {
		if resumed {
			return e.UpdatedAt.After(since)
		}
		return !e.UpdatedAt.Before(since)
	}
	return drain(NoteHistoryToDateTime(ctx, loader, since, task.Limit, opts), keep, sink.writeNote)
}

func drain[T HistoryItem](seq iter.Seq2[T, error], keep func(T) bool, write func(T) error) (cycleResult, error) {
	var r cycleResult
	for e, err := range seq {
		if err != nil {
			return r, err
		}
		if !keep(e) {
			continue
		}
		if err := write(e); err != nil {
			return r, err
		}
		r.written++
		r.maxID = max(r.maxID, e.GetHistoryID())
		if e.GetUpdatedAt().After(r.newest) {
			r.newest = e.GetUpdatedAt()
		}
	}
	return r, nil
}

func sliceSeq[T any](entries []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// historyRecord は、出力ファイルの1行（JSON Lines）です。
type historyRecord struct {
	RunID       string                  `json:"run_id"`
	Site        string                  `json:"site"`
	HistoryKind string                  `json:"history_kind"`
	Tag         *model.TagHistoryEntry  `json:"tag,omitempty"`
	Note        *model.NoteHistoryEntry `json:"note,omitempty"`
}

type historySink struct {
	enc   *json.Encoder
	runID string
	site  string
	kind  string
}

func (s *historySink) writeTag(e model.TagHistoryEntry) error {
	return s.write(historyRecord{RunID: s.runID, Site: s.site, HistoryKind: s.kind, Tag: &e})
}

func (s *historySink) writeNote(e model.NoteHistoryEntry) error {
	return s.write(historyRecord{RunID: s.runID, Site: s.site, HistoryKind: s.kind, Note: &e})
}

func (s *historySink) write(r historyRecord) error {
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("履歴の書き込みに失敗しました (site=%s): %w", s.site, err)
	}
	return nil
}

// openOutput は、出力ファイルを追記モードで開きます。path が空なら fallback（nil なら標準出力）を使います。
func openOutput(path string, fallback io.Writer) (io.Writer, func(), error) {
	if path == "" {
		if fallback == nil {
			fallback = os.Stdout
		}
		return fallback, func() {}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("出力先ディレクトリの作成に失敗しました (dir=%s): %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("出力ファイルを開けませんでした (path=%s): %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

// levelFilter は、log_level が "debug" でなければ DEBUG 行を捨てます。
type levelFilter struct {
	w     io.Writer
	debug bool
}

func (f levelFilter) Write(p []byte) (int, error) {
	if !f.debug && bytes.Contains(p, []byte("DEBUG:")) {
		return len(p), nil
	}
	return f.w.Write(p)
}
