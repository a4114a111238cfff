package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// taskPatch は、タスク設定をデコードするための中間ヘルパー構造体です。
type taskPatch struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	TaskName            *string `json:"task_name,omitempty"`
	UseTemplate         string  `json:"use_template,omitempty"`
	Site                *string `json:"site,omitempty"`
	HistoryKind         *string `json:"history_kind,omitempty"`
	AfterHistoryID      *int    `json:"after_history_id,omitempty"`
	UpTo                *string `json:"up_to,omitempty"`
	Limit               *int    `json:"limit,omitempty"`
	OutputPath          *string `json:"output_path,omitempty"`
	CheckpointPath      *string `json:"checkpoint_path,omitempty"`
	WatchIntervalMillis *int    `json:"watch_interval_ms,omitempty"`
	LogLevel            *string `json:"log_level,omitempty"`
}

// rawConfig は、設定ファイルをデコードするための中間構造体です。
type rawConfig struct {
	ConfigVersion            string                  `json:"config_version"`
	Network                  NetworkSettings         `json:"network"`
	Sites                    map[string]SiteSettings `json:"sites"`
	History                  HistorySettings         `json:"history"`
	GlobalMaxConcurrentTasks int                     `json:"global_max_concurrent_tasks"`
	TaskTemplates            map[string]Task         `json:"task_templates"`
	Tasks                    []taskPatch             `json:"tasks"`
	EnableLogFile            bool                    `json:"enable_log_file"`
	LogFilePath              string                  `json:"log_file_path"`
	MetricsAddr              string                  `json:"metrics_addr"`
}

// EnvPrefix は、認証情報を上書きする環境変数の接頭辞です。
// 例: GBL_DANBOORU_API_KEY
const EnvPrefix = "GBL_"

// LoadAndResolve は、指定されたパスから設定ファイルを読み込み、解析と解決を行います。
// 設定ファイルと同じディレクトリに .env があれば、環境変数として読み込みます。
func LoadAndResolve(path string) (*Config, error) {
	absPath, _ := filepath.Abs(path)
	cwd, _ := os.Getwd()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル '%s' の読み込みに失敗しました (Abs: '%s', Cwd: '%s'): %w", path, absPath, cwd, err)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf(".envファイルの読み込みに失敗しました (path=%s): %w", envPath, err)
		}
		log.Printf("INFO: .envファイルを読み込みました: %s", envPath)
	}

	cfg, err := ParseAndResolve(data)
	if err != nil {
		return nil, err
	}
	ApplyEnvOverrides(cfg, os.LookupEnv)
	return cfg, nil
}

// ParseAndResolve は、設定データのバイトスライスを解析し、テンプレートを解決して最終的な設定を返します。
// この関数はテストのために分離されています。
func ParseAndResolve(data []byte) (*Config, error) {
	var rawCfg rawConfig
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		if errors.As(err, &syntaxErr) {
			line, col := computeLineAndColumn(data, syntaxErr.Offset)
			return nil, fmt.Errorf("設定ファイルのJSON構文エラー (行 %d, 列 %d): %w", line, col, err)
		}
		if errors.As(err, &typeErr) {
			line, col := computeLineAndColumn(data, typeErr.Offset)
			return nil, fmt.Errorf("設定ファイルの型エラー (行 %d, 列 %d, フィールド '%s'): 期待値 %v, 実際 %v - %w",
				line, col, typeErr.Field, typeErr.Type, typeErr.Value, err)
		}
		return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}

	const compatibleVersion = "1.0"
	if rawCfg.ConfigVersion != compatibleVersion {
		return nil, fmt.Errorf("サポートされていない設定バージョン '%s' です。'%s' が必要です。", rawCfg.ConfigVersion, compatibleVersion)
	}

	resolvedConfig := &Config{
		ConfigVersion:            rawCfg.ConfigVersion,
		Network:                  rawCfg.Network,
		Sites:                    rawCfg.Sites,
		History:                  rawCfg.History,
		GlobalMaxConcurrentTasks: rawCfg.GlobalMaxConcurrentTasks,
		TaskTemplates:            rawCfg.TaskTemplates,
		Tasks:                    make([]Task, 0, len(rawCfg.Tasks)),
		EnableLogFile:            rawCfg.EnableLogFile,
		LogFilePath:              rawCfg.LogFilePath,
		MetricsAddr:              rawCfg.MetricsAddr,
	}
	if resolvedConfig.Sites == nil {
		resolvedConfig.Sites = make(map[string]SiteSettings)
	}

	for _, patch := range rawCfg.Tasks {
		var resolvedTask Task
		if patch.UseTemplate != "" {
			template, ok := rawCfg.TaskTemplates[patch.UseTemplate]
			if !ok {
				taskName := "unknown"
				if patch.TaskName != nil {
					taskName = *patch.TaskName
				}
				return nil, fmt.Errorf("タスク '%s' が未定義のテンプレート '%s' を使用しています", taskName, patch.UseTemplate)
			}
			resolvedTask = template
		}
		applyPatch(&resolvedTask, &patch)
		if resolvedTask.HistoryKind == "" {
			resolvedTask.HistoryKind = HistoryKindTag
		}
		if err := validateTask(resolvedTask); err != nil {
			return nil, err
		}
		resolvedConfig.Tasks = append(resolvedConfig.Tasks, resolvedTask)
	}

	return resolvedConfig, nil
}

// validateTask は、解決済みタスクの必須項目と値の形式を検証します。
func validateTask(t Task) error {
	if t.TaskName == "" {
		return errors.New("task_name が指定されていないタスクがあります")
	}
	if t.Site == "" {
		return fmt.Errorf("タスク '%s' に site が指定されていません", t.TaskName)
	}
	switch t.HistoryKind {
	case HistoryKindTag, HistoryKindNote:
	default:
		return fmt.Errorf("タスク '%s' の history_kind '%s' は不正です (tag または note)", t.TaskName, t.HistoryKind)
	}
	if t.UpTo != "" {
		if _, err := time.Parse(time.RFC3339, t.UpTo); err != nil {
			return fmt.Errorf("タスク '%s' の up_to '%s' をRFC3339として解析できません: %w", t.TaskName, t.UpTo, err)
		}
	}
	return nil
}

// applyPatch は、patchの非nilフィールドをtargetに上書きします。
func applyPatch(target *Task, patch *taskPatch) {
	target.UseTemplate = patch.UseTemplate
	if patch.Enabled != nil {
		target.Enabled = patch.Enabled
	}
	if patch.TaskName != nil {
		target.TaskName = *patch.TaskName
	}
	if patch.Site != nil {
		target.Site = *patch.Site
	}
	if patch.HistoryKind != nil {
		target.HistoryKind = *patch.HistoryKind
	}
	if patch.AfterHistoryID != nil {
		target.AfterHistoryID = *patch.AfterHistoryID
	}
	if patch.UpTo != nil {
		target.UpTo = *patch.UpTo
	}
	if patch.Limit != nil {
		target.Limit = *patch.Limit
	}
	if patch.OutputPath != nil {
		target.OutputPath = *patch.OutputPath
	}
	if patch.CheckpointPath != nil {
		target.CheckpointPath = *patch.CheckpointPath
	}
	if patch.WatchIntervalMillis != nil {
		target.WatchIntervalMillis = *patch.WatchIntervalMillis
	}
	if patch.LogLevel != nil {
		target.LogLevel = *patch.LogLevel
	}
}

// ApplyEnvOverrides は、GBL_<SITE>_<FIELD> 形式の環境変数でサイトの認証情報を上書きします。
// 設定ファイルに無いサイトでも、環境変数があればエントリを作成します。
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Sites == nil {
		cfg.Sites = make(map[string]SiteSettings)
	}
	for _, site := range knownSites(cfg) {
		s := cfg.Sites[site]
		prefix := EnvPrefix + strings.ToUpper(site) + "_"
		changed := false
		for field, dst := range map[string]*string{
			"BASE_URL":      &s.BaseURL,
			"LOGIN":         &s.Login,
			"API_KEY":       &s.APIKey,
			"PASSWORD_HASH": &s.PasswordHash,
			"ACCESS_TOKEN":  &s.AccessToken,
		} {
			if v, ok := lookup(prefix + field); ok && v != "" {
				*dst = v
				changed = true
			}
		}
		if changed {
			cfg.Sites[site] = s
		}
	}
}

// knownSites は、上書き対象となるサイト名の一覧を返します。
func knownSites(cfg *Config) []string {
	seen := map[string]bool{}
	var sites []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			sites = append(sites, name)
		}
	}
	for _, name := range []string{"danbooru", "yandere", "sankaku", "gelbooru", "rule34"} {
		add(name)
	}
	for name := range cfg.Sites {
		add(name)
	}
	return sites
}

// computeLineAndColumn は、バイトオフセットから行番号と列番号（1始まり）を計算します。
func computeLineAndColumn(data []byte, offset int64) (int, int) {
	if offset < 0 || int(offset) > len(data) {
		return 0, 0
	}
	line := 1
	lastLineStart := 0
	for i, b := range data {
		if int64(i) == offset {
			return line, i - lastLineStart + 1
		}
		if b == '\n' {
			line++
			lastLineStart = i + 1
		}
	}
	return line, int(offset) - lastLineStart + 1
}
