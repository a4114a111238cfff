package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/cache"
	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/core"
	"GoBooruLoader/internal/network"
	"GoBooruLoader/internal/throttle"
)

// ログファイル管理用
var logFile *os.File

// app は、1回のコマンド実行で共有する依存関係です。
// HTTPクライアントとタグキャッシュは全タスク・全サイトで1つだけ作ります。
type app struct {
	cfg    *config.Config
	client *network.Client
	tags   *cache.TagCache
	stats  *core.SessionStats
}

// loadApp は、設定を読み込んでログ出力とHTTPクライアントを準備します。
// requireFile が false の場合、設定ファイルが無ければ既定値と環境変数だけで動作します。
func loadApp(configPath string, requireFile bool) (*app, error) {
	cfg, err := config.LoadAndResolve(configPath)
	if err != nil {
		if requireFile || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Printf("DEBUG: 設定ファイル '%s' が無いため既定値を使います。", configPath)
		cfg = &config.Config{ConfigVersion: "1.0", Sites: map[string]config.SiteSettings{}}
		config.ApplyEnvOverrides(cfg, os.LookupEnv)
	}

	if err := toggleLogger(cfg.EnableLogFile, cfg.LogFilePath); err != nil {
		log.Printf("WARNING: ログファイルを使わずに続行します: %v", err)
	}

	client, err := network.NewClient(cfg.Network, throttle.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("HTTPクライアントの初期化に失敗しました: %w", err)
	}
	tags, err := cache.NewTagCache(0)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		client: client,
		tags:   tags,
		stats:  core.NewSessionStats(),
	}, nil
}

// loader は、サイト名に対応するLoaderを生成します。
func (a *app) loader(site string) (adapter.Loader, error) {
	return adapter.GetLoader(site, adapter.Options{
		Client: a.client,
		Site:   a.cfg.Sites[site],
		Tags:   a.tags,
	})
}

// taskEnv は、タスク実行用の TaskEnv を組み立てます。
func (a *app) taskEnv(output io.Writer, onStatus core.StatusFunc) core.TaskEnv {
	return core.TaskEnv{
		Client:   a.client,
		Sites:    a.cfg.Sites,
		History:  a.cfg.History,
		Tags:     a.tags,
		Stats:    a.stats,
		Output:   output,
		OnStatus: onStatus,
	}
}

// historyOptions は、設定の history ブロックからトラバーサルのオプションを作ります。
func (a *app) historyOptions() core.HistoryOptions {
	return core.HistoryOptions{
		Logger:             log.Default(),
		RetryWait:          time.Duration(a.cfg.History.RetryWaitMillis) * time.Millisecond,
		PredictionAttempts: a.cfg.History.PredictionAttempts,
	}
}

// toggleLogger はログ出力のファイル書き込みを切り替えます。
// enable: trueならファイルにも出力、falseなら標準エラーのみ
func toggleLogger(enable bool, path string) error {
	closeLogFile()

	if !enable {
		log.SetOutput(os.Stderr)
		return nil
	}
	if path == "" {
		// デフォルトは日付形式
		path = fmt.Sprintf("gbl_%s.log", time.Now().Format("2006-01-02"))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return fmt.Errorf("ログファイルを開けませんでした (path=%s): %w", path, err)
	}
	logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.Printf("INFO: ログ出力をファイル '%s' に開始しました", path)
	return nil
}

func closeLogFile() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
