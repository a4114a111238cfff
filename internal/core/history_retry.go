package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"GoBooruLoader/internal/adapter"
	"GoBooruLoader/internal/model"
	"GoBooruLoader/internal/network"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryMode は、リトライ上限を超えたときの振る舞いです。
type RetryMode int

const (
	// RetryLogAndContinue は、上限を超えたらログを出し、それまでの結果だけで正常終了します。
	// 結果が途中で切れたことはエラーではなく HistoryOptions.OnTruncated で通知されます。
	RetryLogAndContinue RetryMode = iota
	// RetryRethrow は、上限を超えたら RetryExhaustedError を返します。
	RetryRethrow
)

// RetryPolicy は、複数ページの走査中に起きた一時的な失敗の扱いを定義します。
// MaxRetries は1ページあたりの連続失敗の許容回数で、ページの取得に成功するとリセットされます。
type RetryPolicy struct {
	Name       string
	Mode       RetryMode
	MaxRetries int
	Wait       time.Duration
}

var (
	// LogAndContinue は、ノート履歴と "after" 形式の走査で使うポリシーです。
	LogAndContinue = RetryPolicy{Name: "log-and-continue", Mode: RetryLogAndContinue, MaxRetries: 3}
	// Rethrow は、タグ履歴の日時指定の走査で使うポリシーです。
	Rethrow = RetryPolicy{Name: "rethrow", Mode: RetryRethrow, MaxRetries: 5}
)

// WithWait は、リトライ間の待機時間を設定したコピーを返します。
func (p RetryPolicy) WithWait(wait time.Duration) RetryPolicy {
	p.Wait = wait
	return p
}

// RetryExhaustedError は、Rethrow ポリシーでリトライ上限を超えたときのエラーです。
type RetryExhaustedError struct {
	Policy   string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("履歴ページの取得が %d 回失敗しました (policy=%s): %v", e.Attempts, e.Policy, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// isTransient は、エラーがリトライで回復し得るかどうかを判定します。
// キャンセル・不正なトークン・未対応の操作などは即座に呼び出し元へ返します。
func isTransient(err error) bool {
	switch {
	case errors.Is(err, model.ErrInvalidCursor),
		errors.Is(err, adapter.ErrUnsupported),
		errors.Is(err, adapter.ErrCredentialsRequired),
		errors.Is(err, adapter.ErrNotFound),
		errors.Is(err, ErrStalledCursor):
		return false
	}
	return network.IsRetryable(err)
}

// fetchWithRetry は、ポリシーに従って1ページを取得します。
// 一時的な失敗は policy.Wait 間隔で最大 policy.MaxRetries 回まで再試行します。
// giveUp=true は LogAndContinue の上限を超えたことを表し、呼び出し側は走査を正常終了させます。
// その場合は cfg.onTruncated にも通知します。
func fetchWithRetry[T HistoryItem](ctx context.Context, fetch PageFunc[T], token *model.SearchToken, cfg walkConfig) (page model.HistoryPage[T], giveUp bool, err error) {
	policy := cfg.policy
	attempts := 0
	permanent := false
	operation := func() error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			permanent = true
			return backoff.Permanent(ctxErr)
		}
		attempts++
		var fetchErr error
		page, fetchErr = fetch(ctx, token, cfg.limit)
		if fetchErr == nil {
			return nil
		}
		if ctx.Err() != nil || !isTransient(fetchErr) {
			permanent = true
			return backoff.Permanent(fetchErr)
		}
		return fetchErr
	}
	notify := func(err error, wait time.Duration) {
		cfg.logger.Printf("WARNING: 履歴ページの取得に失敗しました。%v 後に再試行します (%d/%d, token=%s): %v",
			wait, attempts, policy.MaxRetries, tokenString(token), err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Wait), uint64(policy.MaxRetries)), ctx)
	err = backoff.RetryNotify(operation, b, notify)
	switch {
	case err == nil:
		if attempts > 1 {
			cfg.logger.Printf("INFO: %d 回目の再試行で履歴ページを取得しました (token=%s)", attempts-1, tokenString(token))
		}
		return page, false, nil
	case ctx.Err() != nil:
		if !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return model.HistoryPage[T]{}, false, fmt.Errorf("履歴ページの取得中にキャンセルされました: %w", err)
	case permanent:
		return model.HistoryPage[T]{}, false, err
	}

	if policy.Mode == RetryLogAndContinue {
		cfg.logger.Printf("WARNING: 履歴ページの取得が %d 回失敗したため、ここまでの結果で走査を終了します (token=%s, policy=%s): %v",
			attempts, tokenString(token), policy.Name, err)
		if cfg.onTruncated != nil {
			cfg.onTruncated(token, err)
		}
		return model.HistoryPage[T]{}, true, nil
	}
	return model.HistoryPage[T]{}, false, &RetryExhaustedError{Policy: policy.Name, Attempts: attempts, Last: err}
}

func tokenString(token *model.SearchToken) string {
	if token == nil {
		return "<first>"
	}
	return token.Page
}
