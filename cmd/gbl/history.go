package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/core"
	"GoBooruLoader/internal/model"

	"github.com/spf13/cobra"
)

type historyOptions struct {
	kind  string
	after int
	upTo  string
	limit int
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history <site>",
		Short: "タグ/ノート履歴をJSON Linesで出力します",
		Long: `指定したサイトの履歴を取得して1行1エントリのJSONで出力します。
--after を指定するとその履歴IDより新しいタグ履歴を、--up-to を指定するとその日時以降の履歴を出力します。
どちらも無い場合は最新の1ページだけを出力します。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root.configPath, false)
			if err != nil {
				return err
			}
			loader, err := a.loader(args[0])
			if err != nil {
				return err
			}
			return printHistory(cmd.Context(), cmd.OutOrStdout(), loader, a.historyOptions(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", config.HistoryKindTag, "履歴の種類 (tag または note)")
	cmd.Flags().IntVar(&opts.after, "after", 0, "この履歴IDより新しいタグ履歴を出力します")
	cmd.Flags().StringVar(&opts.upTo, "up-to", "", "この日時 (RFC3339) 以降の履歴を出力します")
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "1ページあたりの件数の目安")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, loader adapter.Loader, hopts core.HistoryOptions, opts *historyOptions) error {
	var upTo time.Time
	if opts.upTo != "" {
		t, err := time.Parse(time.RFC3339, opts.upTo)
		if err != nil {
			return fmt.Errorf("--up-to '%s' をRFC3339として解析できません: %w", opts.upTo, err)
		}
		upTo = t
	}
	enc := json.NewEncoder(w)

	switch opts.kind {
	case config.HistoryKindTag:
		switch {
		case opts.after > 0:
			seq := core.TagHistoryFromIDToPresent(ctx, loader, opts.after, opts.limit, hopts)
			return encodeEach(enc, seq, func(e model.TagHistoryEntry) bool { return e.HistoryID > opts.after })
		case !upTo.IsZero():
			seq := core.TagHistoryToDateTime(ctx, loader, upTo, opts.limit, hopts)
			return encodeEach(enc, seq, func(e model.TagHistoryEntry) bool { return !e.UpdatedAt.Before(upTo) })
		default:
			entries, err := core.TagHistoryFirstPage(ctx, loader, opts.limit)
			if err != nil {
				return err
			}
			return encodeEach(enc, values(entries), nil)
		}
	case config.HistoryKindNote:
		switch {
		case opts.after > 0:
			return errors.New("ノート履歴は履歴IDを持たないため --after は使えません。--up-to を指定してください")
		case !upTo.IsZero():
			seq := core.NoteHistoryToDateTime(ctx, loader, upTo, opts.limit, hopts)
			return encodeEach(enc, seq, func(e model.NoteHistoryEntry) bool { return !e.UpdatedAt.Before(upTo) })
		default:
			entries, err := core.NoteHistoryFirstPage(ctx, loader, opts.limit)
			if err != nil {
				return err
			}
			return encodeEach(enc, values(entries), nil)
		}
	default:
		return fmt.Errorf("--kind '%s' は不正です (tag または note)", opts.kind)
	}
}

// encodeEach は、keep を満たすエントリを1行ずつ書き出します。keep が nil なら全件です。
func encodeEach[T any](enc *json.Encoder, seq iter.Seq2[T, error], keep func(T) bool) error {
	for e, err := range seq {
		if err != nil {
			return err
		}
		if keep != nil && !keep(e) {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("出力の書き込みに失敗しました: %w", err)
		}
	}
	return nil
}

func values[T any](entries []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}
