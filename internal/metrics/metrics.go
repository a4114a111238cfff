// Package metrics は、HTTPリクエストと履歴取得に関する Prometheus コレクタを定義します。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Requests は、ホスト・ステータスコードごとのリクエスト数です。
	// 通信エラーでレスポンスが無い場合の code は "error" です。
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gbl",
		Name:      "http_requests_total",
		Help:      "Number of HTTP requests sent to booru sites.",
	}, []string{"host", "code"})

	// HistoryEntries は、タスクが出力した履歴エントリ数です。
	HistoryEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gbl",
		Name:      "history_entries_total",
		Help:      "Number of history entries written by tasks.",
	}, []string{"site", "kind"})

	// TaskErrors は、タスクの実行サイクルで発生したエラー数です。
	TaskErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gbl",
		Name:      "task_errors_total",
		Help:      "Number of failed task cycles.",
	}, []string{"task"})

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(Requests, HistoryEntries, TaskErrors)
}

// Handler は /metrics 用の HTTP ハンドラを返します。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
