// Package throttle は、サイトごとのリクエスト間隔を保証するゲートを提供します。
// 1つのキーに対して1つのゲートが存在し、同じゲートを使う呼び出しは直列化されます。
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gate は、最後の使用から最低限の待機時間が経過するまで呼び出し元を待たせます。
type Gate struct {
	mu      sync.Mutex
	lastUse time.Time
	now     func() time.Time
}

// NewGate は、まだ一度も使われていないゲートを返します。
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// Use は、前回の Use から minimumDelay が経過するまで待機し、現在時刻を最終使用時刻として記録します。
// 待機中に ctx がキャンセルされた場合は、最終使用時刻を更新せずにエラーを返します。
func (g *Gate) Use(ctx context.Context, minimumDelay time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastUse.IsZero() && minimumDelay > 0 {
		if wait := g.lastUse.Add(minimumDelay).Sub(g.now()); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return fmt.Errorf("ゲート待機中にキャンセルされました: %w", ctx.Err())
			case <-timer.C:
			}
		}
	} else if err := ctx.Err(); err != nil {
		return fmt.Errorf("ゲート待機中にキャンセルされました: %w", err)
	}

	g.lastUse = g.now()
	return nil
}

// LastUse は、最後に Use が完了した時刻を返します。未使用の場合はゼロ値です。
func (g *Gate) LastUse() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastUse
}

// Registry は、キー（サイト名やホスト名）ごとのゲートを保持します。
type Registry struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

// NewRegistry は、空のレジストリを返します。
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

// Gate は、指定されたキーに対応するゲートを返します。存在しない場合は新しく生成します。
func (r *Registry) Gate(key string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gates[key]; ok {
		return g
	}
	g := NewGate()
	r.gates[key] = g
	return g
}

// Use は、キーに対応するゲートで Use を呼び出すショートカットです。
func (r *Registry) Use(ctx context.Context, key string, minimumDelay time.Duration) error {
	return r.Gate(key).Use(ctx, minimumDelay)
}
