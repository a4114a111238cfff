// gbl は、複数のbooruサイトから投稿・検索結果・タグ/ノート履歴を取得するCLIです。
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootOptions は、全サブコマンドで共有するフラグです。
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "gbl",
		Short: "GoBooruLoader - booruサイトの履歴ローダー",
		Long: `GoBooruLoader は Danbooru / Yandere / Sankaku / Gelbooru / Rule34 から
投稿・検索結果・タグ履歴・ノート履歴を取得します。
run サブコマンドは設定ファイルのタスクを実行し、チェックポイントから差分を取得し続けます。`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.json", "設定ファイルのパス")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newPostCmd(opts))
	rootCmd.AddCommand(newSearchCmd(opts))
	rootCmd.AddCommand(newFavoriteCmd(opts))
	return rootCmd
}

// main関数はGBLアプリケーションのエントリーポイントです。
func main() {
	// 設定を読み込むまではログを標準エラーに出す。標準出力はJSONの結果に使う
	log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// シグナルハンドリング
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("INFO: 終了シグナルを受信しました。シャットダウンを開始します...")
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	closeLogFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
