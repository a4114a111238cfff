package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/core"
	"GoBooruLoader/internal/webui"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

type runOptions struct {
	watch       bool
	metricsAddr string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [task_name...]",
		Short: "設定ファイルのタスクを実行します",
		Long: `設定ファイルの有効なタスクを実行します。タスク名を指定した場合はそのタスクだけを実行します。
--watch を付けると、各タスクを watch_interval_ms ごとに繰り返し実行します。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root.configPath, true)
			if err != nil {
				return err
			}
			return runTasks(cmd.Context(), a, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "監視モードで実行します")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "監視サーバーのアドレス (例: 127.0.0.1:9100)。未指定なら設定の metrics_addr")
	return cmd
}

// selectTasks は、有効なタスクのうち names に含まれるものを返します。names が空なら全ての有効なタスクです。
func selectTasks(tasks []config.Task, names []string) ([]config.Task, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var selected []config.Task
	for _, t := range tasks {
		if len(names) > 0 && !wanted[t.TaskName] {
			continue
		}
		delete(wanted, t.TaskName)
		if !t.IsEnabled() {
			log.Printf("INFO: タスク '%s' は無効化されているためスキップします。", t.TaskName)
			continue
		}
		selected = append(selected, t)
	}
	for n := range wanted {
		return nil, fmt.Errorf("タスク '%s' は設定ファイルにありません", n)
	}
	return selected, nil
}

// runTasks は、選択したタスクを global_max_concurrent_tasks を上限に並行実行します。
func runTasks(ctx context.Context, a *app, names []string, opts *runOptions) error {
	tasks, err := selectTasks(a.cfg.Tasks, names)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		log.Println("INFO: 有効なタスクがありません。終了します。")
		return nil
	}

	board := webui.NewBoard(a.stats)
	addr := opts.metricsAddr
	if addr == "" {
		addr = a.cfg.MetricsAddr
	}
	if addr != "" {
		server, err := webui.Start(addr, board)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("WARNING: %v", err)
			}
		}()
	}

	maxConcurrent := a.cfg.GlobalMaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 1 // デフォルト
	}
	log.Printf("INFO: タスク数: %d, 最大並行数: %d, 監視モード: %v", len(tasks), maxConcurrent, opts.watch)

	env := a.taskEnv(nil, func(taskName string, state core.AppState, detail string) {
		board.Update(taskName, state, detail)
		printStatus(taskName, state, detail)
	})

	// タスクの失敗は他のタスクをキャンセルしない
	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for _, task := range tasks {
		if ctx.Err() != nil {
			log.Println("INFO: コンテキストがキャンセルされたため、新規タスクの開始を中断します。")
			break
		}
		g.Go(func() error {
			if err := core.ExecuteTask(ctx, task, env, opts.watch); err != nil {
				return fmt.Errorf("タスク '%s' が失敗しました: %w", task.TaskName, err)
			}
			return nil
		})
	}
	err = g.Wait()

	log.Printf("INFO: %s", a.stats.FormatSessionInfo())
	if err != nil {
		return err
	}
	log.Println("INFO: 全てのタスクが完了しました。")
	return nil
}

// printStatus は、タスクの状態遷移を色付きで標準エラーに表示します。
func printStatus(taskName string, state core.AppState, detail string) {
	label := state.String()
	switch state {
	case core.StateRunning:
		label = cyan(label)
	case core.StateWatching:
		label = yellow(label)
	case core.StateError:
		label = red(label)
	default:
		label = green(label)
	}
	line := fmt.Sprintf("[%s] %s", taskName, label)
	if detail != "" {
		line += " " + detail
	}
	fmt.Fprintln(color.Error, line)
}
