// Package config は、アプリケーションの設定ファイル(config.json)の構造定義と、
// その読み込み、解決（テンプレートのマージ、環境変数による上書きなど）に関する機能を提供します。
package config

// Config は config.json ファイル全体を表すルート構造体です。
type Config struct {
	ConfigVersion            string                  `json:"config_version"`
	Network                  NetworkSettings         `json:"network"`
	Sites                    map[string]SiteSettings `json:"sites"`
	History                  HistorySettings         `json:"history"`
	GlobalMaxConcurrentTasks int                     `json:"global_max_concurrent_tasks"`
	TaskTemplates            map[string]Task         `json:"task_templates"`
	Tasks                    []Task                  `json:"tasks"`
	EnableLogFile            bool                    `json:"enable_log_file"`
	LogFilePath              string                  `json:"log_file_path,omitempty"`
	MetricsAddr              string                  `json:"metrics_addr,omitempty"`
}

// NetworkSettings は、HTTPリクエストに関するグローバルな設定を保持します。
type NetworkSettings struct {
	UserAgent               string            `json:"user_agent"`
	DefaultHeaders          map[string]string `json:"default_headers"`
	PerDomainIntervalMillis map[string]int    `json:"per_domain_interval_ms"`
	RequestTimeoutMillis    int               `json:"request_timeout_ms"`
	// MaxRequestsPerSecond は全ホスト合計のリクエスト上限です。0以下なら無制限です。
	MaxRequestsPerSecond float64 `json:"max_requests_per_second,omitempty"`
}

// SiteSettings は、サイトごとの接続先と認証情報を保持します。
type SiteSettings struct {
	BaseURL      string `json:"base_url,omitempty"`
	Login        string `json:"login,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	// PageSize は履歴ページ1枚あたりのエントリ数です。ページ番号の予測に使います。
	PageSize int `json:"page_size,omitempty"`
}

// HistorySettings は、履歴トラバーサルのリトライに関する設定です。
type HistorySettings struct {
	RetryWaitMillis    int `json:"retry_wait_ms,omitempty"`
	PredictionAttempts int `json:"prediction_attempts,omitempty"`
}

// Task は単一の履歴取得タスクを定義します。
type Task struct {
	Enabled             *bool  `json:"enabled,omitempty"`
	TaskName            string `json:"task_name,omitempty"`
	UseTemplate         string `json:"use_template,omitempty"`
	Site                string `json:"site,omitempty"`
	HistoryKind         string `json:"history_kind,omitempty"` // "tag" または "note"
	AfterHistoryID      int    `json:"after_history_id,omitempty"`
	UpTo                string `json:"up_to,omitempty"` // RFC3339
	Limit               int    `json:"limit,omitempty"`
	OutputPath          string `json:"output_path,omitempty"`
	CheckpointPath      string `json:"checkpoint_path,omitempty"`
	WatchIntervalMillis int    `json:"watch_interval_ms,omitempty"`
	LogLevel            string `json:"log_level,omitempty"`
}

// IsEnabled は、タスクが有効かどうかを返します。未指定の場合は有効です。
func (t Task) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// HistoryKind の値
const (
	HistoryKindTag  = "tag"
	HistoryKindNote = "note"
)
