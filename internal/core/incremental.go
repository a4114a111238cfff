package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HistoryCheckpoint は、タスクが前回どこまで履歴を取得したかの記録です。
// 次のサイクルはここから再開するため、監視モードでも同じ履歴を二度出力しません。
type HistoryCheckpoint struct {
	Site        string `json:"site"`
	HistoryKind string `json:"history_kind"`
	// LastHistoryID は出力済みの最大の履歴IDです。タグ履歴でのみ使います。
	LastHistoryID int `json:"last_history_id"`
	// LastUpdatedAt は出力済みの最新の更新日時です。履歴IDを持たないノート履歴の再開に使います。
	LastUpdatedAt time.Time `json:"last_updated_at"`
	LastRunID     string    `json:"last_run_id"`
	LastChecked   time.Time `json:"last_checked"`
}

// LoadCheckpoint は、チェックポイントファイルを読み込みます。
// ファイルが存在しない場合（初回実行）は nil, nil を返します。
func LoadCheckpoint(path string) (*HistoryCheckpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("チェックポイントファイルの読み込みに失敗しました (path=%s): %w", path, err)
	}

	var cp HistoryCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("チェックポイントのパースに失敗しました (path=%s): %w", path, err)
	}
	return &cp, nil
}

// SaveCheckpoint は、チェックポイントを一時ファイル経由で書き込みます。
func SaveCheckpoint(path string, cp *HistoryCheckpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("チェックポイントのシリアライズに失敗しました: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("チェックポイントのディレクトリ作成に失敗しました (dir=%s): %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("チェックポイントファイルの書き込みに失敗しました (path=%s): %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("チェックポイントファイルの置き換えに失敗しました (path=%s): %w", path, err)
	}
	return nil
}

// Matches は、チェックポイントが指定したサイト・履歴種別のものかどうかを返します。
func (cp *HistoryCheckpoint) Matches(site, kind string) bool {
	return cp.Site == site && cp.HistoryKind == kind
}

// Advance は、出力したエントリの範囲でチェックポイントを進めます。値が後退することはありません。
func (cp *HistoryCheckpoint) Advance(maxHistoryID int, newest time.Time, runID string, checked time.Time) {
	if maxHistoryID > cp.LastHistoryID {
		cp.LastHistoryID = maxHistoryID
	}
	if newest.After(cp.LastUpdatedAt) {
		cp.LastUpdatedAt = newest
	}
	cp.LastRunID = runID
	cp.LastChecked = checked
}
