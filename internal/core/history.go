package core

import (
	"context"
	"fmt"
	"iter"
	"log"
	"time"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/model"
)

// DefaultPredictionAttempts は、予測したページ番号の検証を試みる既定の回数です。
const DefaultPredictionAttempts = 10

// HistoryOptions は、履歴の走査に共通の設定です。ゼロ値で使えます。
type HistoryOptions struct {
	// Logger が nil の場合は log.Default() を使います。
	Logger *log.Logger
	// RetryWait は、一時的な失敗のあと次の試行までに待つ時間です。
	RetryWait time.Duration
	// PredictionAttempts が0以下の場合は DefaultPredictionAttempts です。
	PredictionAttempts int
	// OnTruncated は、LogAndContinue ポリシーがリトライを諦めて走査を打ち切ったときに呼ばれます。
	// token は取得できなかったページ、err は最後のエラーです。
	OnTruncated func(token *model.SearchToken, err error)
}

func (o HistoryOptions) walk(limit int, policy RetryPolicy) walkConfig {
	logger := o.Logger
	if logger == nil {
		logger = log.Default()
	}
	return walkConfig{limit: limit, policy: policy.WithWait(o.RetryWait), logger: logger, onTruncated: o.OnTruncated}
}

func (o HistoryOptions) predictionAttempts() int {
	if o.PredictionAttempts <= 0 {
		return DefaultPredictionAttempts
	}
	return o.PredictionAttempts
}

// TagHistoryFirstPage は、最新のタグ履歴を1ページ返します。
func TagHistoryFirstPage(ctx context.Context, loader adapter.Loader, limit int) ([]model.TagHistoryEntry, error) {
	return FirstPage[model.TagHistoryEntry](ctx, loader.GetTagHistoryPage, limit)
}

// NoteHistoryFirstPage は、最新のノート履歴を1ページ返します。
func NoteHistoryFirstPage(ctx context.Context, loader adapter.Loader, limit int) ([]model.NoteHistoryEntry, error) {
	return FirstPage[model.NoteHistoryEntry](ctx, loader.GetNoteHistoryPage, limit)
}

// TagHistoryFromIDToPresent は、afterID 以降のタグ履歴を返します。
// 走査の方法はアダプタの HistoryFamily で決まり、返る順序も方式によって異なります。
// cursor 方式は古い順で、"a<afterID>" は afterID より大きいIDだけを返します。
// before-id 方式は最新から新しい順に、predicted-page 方式は境界のページから1ページ目へ向かって返し、
// この2つは境界のページを丸ごと返すため afterID と一致するエントリも含まれます。
// リトライを諦めた場合は、それまでの結果だけで終了して opts.OnTruncated を呼びます。
func TagHistoryFromIDToPresent(ctx context.Context, loader adapter.Loader, afterID, limit int, opts HistoryOptions) iter.Seq2[model.TagHistoryEntry, error] {
	cfg := opts.walk(limit, LogAndContinue)
	fetch := PageFunc[model.TagHistoryEntry](loader.GetTagHistoryPage)

	switch family := loader.HistoryFamily(); family {
	case adapter.FamilyCursor:
		return cursorForward(ctx, fetch, afterID, cfg)
	case adapter.FamilyBeforeID:
		return beforeIDBackward(ctx, fetch, afterID, cfg)
	case adapter.FamilyPredictedPage:
		return predictedPage(ctx, fetch, afterID, loader.EffectivePageSize(limit), opts.predictionAttempts(), cfg)
	default:
		return func(yield func(model.TagHistoryEntry, error) bool) {
			yield(model.TagHistoryEntry{}, fmt.Errorf("%w (site=%s, history_family=%s)", adapter.ErrUnsupported, loader.Name(), family))
		}
	}
}

// TagHistoryToDateTime は、最新から upTo までのタグ履歴を新しい順に返します。
// リトライ上限を超えた場合は RetryExhaustedError で終了します。
func TagHistoryToDateTime(ctx context.Context, loader adapter.Loader, upTo time.Time, limit int, opts HistoryOptions) iter.Seq2[model.TagHistoryEntry, error] {
	return toDateTime[model.TagHistoryEntry](ctx, loader.GetTagHistoryPage, upTo, opts.walk(limit, Rethrow))
}

// NoteHistoryToDateTime は、最新から upTo までのノート履歴を新しい順に返します。
// リトライ上限を超えた場合は、それまでの結果だけで終了します。
func NoteHistoryToDateTime(ctx context.Context, loader adapter.Loader, upTo time.Time, limit int, opts HistoryOptions) iter.Seq2[model.NoteHistoryEntry, error] {
	return toDateTime[model.NoteHistoryEntry](ctx, loader.GetNoteHistoryPage, upTo, opts.walk(limit, LogAndContinue))
}
