// Package webui は、実行中のタスクの状態と Prometheus メトリクスを HTTP で公開する
// 監視用のサーバーを提供します。
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"GoBooruLoader/internal/core"
	"GoBooruLoader/internal/metrics"
)

// TaskStatus は、1つのタスクの最新の状態です。
type TaskStatus struct {
	Task      string    `json:"task"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusResponse は /api/status のレスポンスです。
type StatusResponse struct {
	Session string       `json:"session"`
	Cycles  int          `json:"cycles"`
	Entries int          `json:"entries"`
	Errors  int          `json:"errors"`
	Tasks   []TaskStatus `json:"tasks"`
}

// Board は、タスクから通知された状態を保持します。
// Update は core.StatusFunc として TaskEnv.OnStatus に渡せます。
type Board struct {
	stats *core.SessionStats

	mu    sync.RWMutex
	tasks map[string]TaskStatus
}

// NewBoard は、stats のセッション統計を併せて公開する Board を返します。
func NewBoard(stats *core.SessionStats) *Board {
	if stats == nil {
		stats = core.NewSessionStats()
	}
	return &Board{stats: stats, tasks: make(map[string]TaskStatus)}
}

// Update は、タスクの状態を記録します。
func (b *Board) Update(taskName string, state core.AppState, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[taskName] = TaskStatus{
		Task:      taskName,
		State:     state.String(),
		Detail:    detail,
		UpdatedAt: time.Now(),
	}
}

// Snapshot は、現在の状態をタスク名の昇順で返します。
func (b *Board) Snapshot() StatusResponse {
	b.mu.RLock()
	tasks := make([]TaskStatus, 0, len(b.tasks))
	for _, s := range b.tasks {
		tasks = append(tasks, s)
	}
	b.mu.RUnlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Task < tasks[j].Task })

	cycles, entries, errs := b.stats.Snapshot()
	return StatusResponse{
		Session: b.stats.FormatSessionInfo(),
		Cycles:  cycles,
		Entries: entries,
		Errors:  errs,
		Tasks:   tasks,
	}
}

// NewHandler は、/metrics・/api/status・/healthz を提供するハンドラを返します。
func NewHandler(board *Board) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodGet {
			http.Error(w, `{"error": "許可されていないメソッドです"}`, http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewEncoder(w).Encode(board.Snapshot()); err != nil {
			log.Printf("ERROR: ステータスJSONのエンコードに失敗しました: %v", err)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

// Server は起動済みの監視サーバーです。
type Server struct {
	server   *http.Server
	listener net.Listener
}

// Start は、addr で監視サーバーを非同期で起動します。
// addr に "127.0.0.1:0" を指定するとOSが空きポートを選択します。
func Start(addr string, board *Board) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("監視サーバーのリッスンに失敗しました (addr=%s): %w", addr, err)
	}

	server := &http.Server{
		Handler:      NewHandler(board),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s := &Server{server: server, listener: listener}

	go func() {
		log.Printf("INFO: 監視サーバーを http://%s で起動します。", s.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: 監視サーバーが異常終了しました: %v", err)
		}
	}()
	return s, nil
}

// Addr は、実際にリッスンしているアドレスを返します。
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown は、処理中のリクエストを待ってからサーバーを停止します。
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("監視サーバーのシャットダウンに失敗しました: %w", err)
	}
	log.Println("INFO: 監視サーバーがシャットダウンしました。")
	return nil
}
