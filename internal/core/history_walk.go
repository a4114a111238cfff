package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	"GoBooruLoader/internal/model"
)

var (
	// ErrPredictionFailed は、予測したページ番号を規定回数内に検証できなかった場合に返されます。
	ErrPredictionFailed = errors.New("履歴ページの予測に失敗しました")
	// ErrStalledCursor は、アダプタが同じトークンを次ページとして返し続けた場合に返されます。
	ErrStalledCursor = errors.New("次ページのトークンが進んでいません")
)

// HistoryItem は、トラバーサルの対象となる履歴エントリです。
type HistoryItem interface {
	GetHistoryID() int
	GetUpdatedAt() time.Time
}

// PageFunc は、トークンで指定された履歴1ページを取得する関数です。
type PageFunc[T HistoryItem] func(ctx context.Context, token *model.SearchToken, limit int) (model.HistoryPage[T], error)

// FirstPage は、最新の1ページだけを取得します。リトライは行いません。
func FirstPage[T HistoryItem](ctx context.Context, fetch PageFunc[T], limit int) ([]T, error) {
	page, err := fetch(ctx, nil, limit)
	if err != nil {
		return nil, err
	}
	if page.Results == nil {
		return []T{}, nil
	}
	return page.Results, nil
}

// walkConfig は、各走査に共通のパラメータです。
type walkConfig struct {
	limit       int
	policy      RetryPolicy
	logger      *log.Logger
	onTruncated func(token *model.SearchToken, err error)
}

// nextToken は、次に進むトークンを返します。nil なら走査は終了です。
func nextToken(current, next *model.SearchToken) (*model.SearchToken, error) {
	if next == nil {
		return nil, nil
	}
	if current != nil && current.Page == next.Page {
		return nil, fmt.Errorf("%w (token=%s)", ErrStalledCursor, next.Page)
	}
	return next, nil
}

// toDateTime は、最新から古い方へ向かってページを辿り、
// ページの最後のエントリが upTo より古くなった時点で終了します。
// 境界をまたぐページは丸ごと返すため、upTo より古いエントリも含まれます。
func toDateTime[T HistoryItem](ctx context.Context, fetch PageFunc[T], upTo time.Time, cfg walkConfig) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		var token *model.SearchToken
		for {
			page, giveUp, err := fetchWithRetry(ctx, fetch, token, cfg)
			if err != nil {
				yield(zero, err)
				return
			}
			if giveUp {
				return
			}
			for _, e := range page.Results {
				if !yield(e, nil) {
					return
				}
			}

			last, ok := page.Last()
			if !ok || last.GetUpdatedAt().Before(upTo) {
				return
			}
			token, err = nextToken(token, page.NextToken)
			if err != nil {
				yield(zero, err)
				return
			}
			if token == nil {
				return
			}
		}
	}
}

// cursorForward は、"a<afterID>" から新しい方へ向かって次ページのトークンを辿ります。
// アダプタは after カーソルに対して昇順のページを返します。
func cursorForward[T HistoryItem](ctx context.Context, fetch PageFunc[T], afterID int, cfg walkConfig) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		token := model.AfterCursor(afterID).Token()
		for {
			page, giveUp, err := fetchWithRetry(ctx, fetch, token, cfg)
			if err != nil {
				yield(zero, err)
				return
			}
			if giveUp || len(page.Results) == 0 {
				return
			}
			for _, e := range page.Results {
				if !yield(e, nil) {
					return
				}
			}
			token, err = nextToken(token, page.NextToken)
			if err != nil {
				yield(zero, err)
				return
			}
			if token == nil {
				return
			}
		}
	}
}

// beforeIDBackward は、afterID から始まるトークンではなく最新のページ (nil トークン) から
// "b<id>" トークンで古い方へ辿り、afterID 以下のエントリを含むページを返した時点で終了します。
// 古い側にしか移動できないサイトでは、afterID より新しい履歴に届く方法がこれしかないためです。
// 結果は新しい順で、境界のページは丸ごと返すため afterID 以下のエントリも含まれます。
func beforeIDBackward[T HistoryItem](ctx context.Context, fetch PageFunc[T], afterID int, cfg walkConfig) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		var token *model.SearchToken
		for {
			page, giveUp, err := fetchWithRetry(ctx, fetch, token, cfg)
			if err != nil {
				yield(zero, err)
				return
			}
			if giveUp || len(page.Results) == 0 {
				return
			}
			reached := false
			for _, e := range page.Results {
				if e.GetHistoryID() <= afterID {
					reached = true
				}
				if !yield(e, nil) {
					return
				}
			}
			if reached {
				return
			}
			token, err = nextToken(token, page.NextToken)
			if err != nil {
				yield(zero, err)
				return
			}
			if token == nil {
				return
			}
		}
	}
}

// predictedPage は、番号付きページしか持たないサイトで afterID 以降の履歴を取得します。
//
// 最新ページの先頭IDから afterID を含むページ番号を予測し、そのページに afterID 以下の
// エントリがあることを確かめてから、1ページ目に向かって順に取得します。
// 空ページなら同じページを取り直し、すべて afterID より新しければ1つ古いページに補正します。
// 検証が attempts 回で終わらない場合は ErrPredictionFailed を返します。
// 走査中に新しい履歴が追加されてページがずれても、同じ履歴IDは一度しか返しません。
func predictedPage[T HistoryItem](ctx context.Context, fetch PageFunc[T], afterID, pageSize, attempts int, cfg walkConfig) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		first, giveUp, err := fetchWithRetry(ctx, fetch, nil, cfg)
		if err != nil {
			yield(zero, err)
			return
		}
		if giveUp || len(first.Results) == 0 {
			return
		}
		if pageSize < 1 {
			pageSize = len(first.Results)
		}

		maxID := first.Results[0].GetHistoryID()
		pageNum := max((maxID-afterID)/pageSize+2, 1)
		cfg.logger.Printf("DEBUG: 履歴ページを予測しました (max_id=%d, after_id=%d, page_size=%d, page=%d)", maxID, afterID, pageSize, pageNum)

		var boundary model.HistoryPage[T]
		for attempt := 1; ; attempt++ {
			if attempt > attempts {
				yield(zero, fmt.Errorf("%w (after_id=%d, page=%d, attempts=%d)", ErrPredictionFailed, afterID, pageNum, attempts))
				return
			}
			p, giveUp, err := fetchWithRetry(ctx, fetch, model.PageCursor(pageNum).Token(), cfg)
			if err != nil {
				yield(zero, err)
				return
			}
			if giveUp {
				return
			}
			if len(p.Results) == 0 {
				cfg.logger.Printf("WARNING: 予測したページが空でした。同じページを再取得します (page=%d, attempt=%d/%d)", pageNum, attempt, attempts)
				continue
			}
			if containsAtOrBelow(p.Results, afterID) {
				boundary = p
				break
			}
			cfg.logger.Printf("DEBUG: 予測したページに境界が含まれていません。1つ古いページに補正します (page=%d -> %d)", pageNum, pageNum+1)
			pageNum++
		}

		seen := make(map[int]struct{})
		emit := func(results []T) bool {
			for _, e := range results {
				if id := e.GetHistoryID(); id != model.NoHistoryID {
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
				}
				if !yield(e, nil) {
					return false
				}
			}
			return true
		}

		if !emit(boundary.Results) {
			return
		}
		for pageNum--; pageNum > 0; pageNum-- {
			p, giveUp, err := fetchWithRetry(ctx, fetch, model.PageCursor(pageNum).Token(), cfg)
			if err != nil {
				yield(zero, err)
				return
			}
			if giveUp {
				return
			}
			if !emit(p.Results) {
				return
			}
		}
	}
}

func containsAtOrBelow[T HistoryItem](entries []T, afterID int) bool {
	for _, e := range entries {
		if e.GetHistoryID() <= afterID {
			return true
		}
	}
	return false
}
