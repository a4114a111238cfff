package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/model"

	"github.com/spf13/cobra"
)

func parsePostID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("投稿ID '%s' は正の整数ではありません", s)
	}
	return id, nil
}

func newPostCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "post <site> <id>",
		Short: "投稿のメタデータとタグをJSONで出力します",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePostID(args[1])
			if err != nil {
				return err
			}
			a, err := loadApp(root.configPath, false)
			if err != nil {
				return err
			}
			loader, err := a.loader(args[0])
			if err != nil {
				return err
			}
			post, err := loader.GetPost(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(post)
		},
	}
}

type searchOptions struct {
	token string
	limit int
	pages int
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search <site> <tags...>",
		Short: "タグで検索し、結果をJSON Linesで出力します",
		Long: `タグで投稿を検索します。--pages で続きのページを辿り、
最後に次のページのトークンを表示します。そのトークンを --token に渡すと続きから検索できます。`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root.configPath, false)
			if err != nil {
				return err
			}
			loader, err := a.loader(args[0])
			if err != nil {
				return err
			}
			next, err := searchPages(cmd, loader, strings.Join(args[1:], " "), opts)
			if err != nil {
				return err
			}
			if next != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s --token %s\n", cyan("次のページ:"), next.Page)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.token, "token", "", "前回の検索で表示されたページトークン")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "1ページあたりの件数")
	cmd.Flags().IntVar(&opts.pages, "pages", 1, "取得するページ数")
	return cmd
}

// searchPages は、最大 opts.pages ページを取得して出力し、次のページのトークンを返します。
func searchPages(cmd *cobra.Command, loader adapter.Loader, tags string, opts *searchOptions) (*model.SearchToken, error) {
	var token *model.SearchToken
	if opts.token != "" {
		token = model.NewSearchToken(opts.token)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())

	for page := 0; page < max(opts.pages, 1); page++ {
		result, err := loader.Search(cmd.Context(), tags, token, opts.limit)
		if err != nil {
			return nil, err
		}
		for _, p := range result.Results {
			if err := enc.Encode(p); err != nil {
				return nil, fmt.Errorf("出力の書き込みに失敗しました: %w", err)
			}
		}
		token = result.NextToken
		if token == nil {
			break
		}
	}
	return token, nil
}

func newFavoriteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <site> <id>",
		Short: "投稿をお気に入りに登録します (Danbooru / Yandere / Sankaku)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePostID(args[1])
			if err != nil {
				return err
			}
			a, err := loadApp(root.configPath, false)
			if err != nil {
				return err
			}
			loader, err := a.loader(args[0])
			if err != nil {
				return err
			}
			return favorite(cmd, loader, id)
		},
	}
}

func favorite(cmd *cobra.Command, loader adapter.Loader, id int) error {
	fav, ok := loader.(adapter.Favoriter)
	if !ok {
		return fmt.Errorf("サイト '%s' のお気に入り登録: %w", loader.Name(), adapter.ErrUnsupported)
	}
	if err := fav.FavoritePost(cmd.Context(), id); err != nil {
		return err
	}
	printDone(cmd.OutOrStdout(), fmt.Sprintf("%s の投稿 %d をお気に入りに登録しました", loader.Name(), id))
	return nil
}

func printDone(w io.Writer, msg string) {
	fmt.Fprintf(w, "%s %s\n", green("✓"), msg)
}
