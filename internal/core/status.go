package core

import (
	"fmt"
	"sync"
	"time"
)

// AppState はタスクの活動状態を表すenumです。
type AppState int

const (
	StateIdle     AppState = iota // アイドル
	StateRunning                  // 実行中
	StateWatching                 // 監視中（次のサイクル待ち）
	StateError                    // エラー
)

// String は AppState を人間可読な文字列に変換します。
func (s AppState) String() string {
	switch s {
	case StateIdle:
		return "アイドル"
	case StateRunning:
		return "実行中"
	case StateWatching:
		return "監視中"
	case StateError:
		return "エラー"
	default:
		return "不明"
	}
}

// StatusFunc は、タスクの状態が変わるたびに呼ばれます。
type StatusFunc func(taskName string, state AppState, detail string)

// SessionStats はセッション統計情報を管理します。複数のタスクから同時に更新されます。
type SessionStats struct {
	StartTime time.Time

	mu      sync.Mutex
	cycles  int
	entries int
	errors  int
}

// NewSessionStats は、現在時刻を起動時刻とする統計を返します。
func NewSessionStats() *SessionStats {
	return &SessionStats{StartTime: time.Now()}
}

// AddCycle は、完了したサイクルと出力したエントリ数を記録します。
func (s *SessionStats) AddCycle(entries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.entries += entries
}

// AddError は、失敗したサイクルを記録します。
func (s *SessionStats) AddError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// Snapshot は、現在のサイクル数・エントリ数・エラー数を返します。
func (s *SessionStats) Snapshot() (cycles, entries, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles, s.entries, s.errors
}

// FormatSessionInfo はセッション統計情報を文字列にフォーマットします。
func (s *SessionStats) FormatSessionInfo() string {
	uptime := time.Since(s.StartTime)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60

	cycles, entries, errors := s.Snapshot()
	return fmt.Sprintf("起動: %dh%dm | サイクル: %d | 履歴: %d件 | エラー: %d",
		hours, minutes, cycles, entries, errors)
}
