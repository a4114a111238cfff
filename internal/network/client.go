// Package network は、booruサイトとのHTTP通信に関する機能を提供します。
// Cookie Jarによるセッション管理と、ホストごとのスロットルゲートをカプセル化した、
// より高レベルなHTTPクライアントを実装しています。
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"GoBooruLoader/internal/config"
	"GoBooruLoader/internal/metrics"
	"GoBooruLoader/internal/throttle"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"
)

// DefaultInterval は、per_domain_interval_ms に設定が無いホストのリクエスト間隔です。
const DefaultInterval = time.Second

// ErrMalformedResponse は、レスポンスを期待した形式として解釈できなかった場合のエラーです。
// サイト側の仕様変更などが原因で、再試行しても回復しないためリトライ不可です。
var ErrMalformedResponse = errors.New("レスポンスの形式が不正です")

// HTTPError は、HTTPリクエストで発生したエラーとステータスコードを保持します。
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsRetryable は、このエラーがリトライ可能かどうかを判定します。
// 4xxエラー（クライアントエラー）はリトライ不可、5xxエラー（サーバーエラー）はリトライ可能とします。
// ただし 408 と 429 はサーバー側の一時的な制限なのでリトライ可能です。
func (e *HTTPError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	return true
}

// IsRetryable は、任意のエラーがリトライ可能かどうかを判定します。
// コンテキストのキャンセルはリトライ不可、HTTPError はステータスコードで判定し、
// それ以外（通信エラーなど）はリトライ可能とみなします。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return true
}

// Client は、Cookie Jarを内包し、HTTPセッションを管理するクライアントです。
type Client struct {
	httpClient         *http.Client
	jar                *cookiejar.Jar
	userAgent          string
	defaultHeaders     map[string]string
	gates              *throttle.Registry // ホスト名ごとのスロットルゲート
	perDomainIntervals map[string]int     // ドメインごとの設定間隔
	globalLimiter      *rate.Limiter      // 全ホスト合計の上限 (nilなら無制限)
}

// NewClient は NetworkSettings に基づいて HTTP クライアントを初期化します。
// gates が nil の場合はクライアント専用のレジストリを生成します。
// 同じサイトに複数のクライアントからアクセスする場合は、レジストリを共有してください。
func NewClient(settings config.NetworkSettings, gates *throttle.Registry) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jarの作成に失敗しました: %w", err)
	}

	timeout := time.Duration(settings.RequestTimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second // デフォルトタイムアウト
	}

	if gates == nil {
		gates = throttle.NewRegistry()
	}

	var globalLimiter *rate.Limiter
	if settings.MaxRequestsPerSecond > 0 {
		globalLimiter = rate.NewLimiter(rate.Limit(settings.MaxRequestsPerSecond), 1)
	}

	return &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		jar:                jar,
		userAgent:          settings.UserAgent,
		defaultHeaders:     settings.DefaultHeaders,
		gates:              gates,
		perDomainIntervals: settings.PerDomainIntervalMillis,
		globalLimiter:      globalLimiter,
	}, nil
}

// SetCookie は、指定されたURLのドメインに対して、任意のCookieを設定します。
func (c *Client) SetCookie(domainURL string, cookie *http.Cookie) error {
	if !strings.HasPrefix(domainURL, "http") {
		domainURL = "https://" + domainURL
	}

	parsedURL, err := url.Parse(domainURL)
	if err != nil {
		return fmt.Errorf("Cookie設定のためのURL解析に失敗しました: %w", err)
	}

	c.jar.SetCookies(parsedURL, []*http.Cookie{cookie})
	return nil
}

// Get は、設定済みのCookieを使って指定されたURLにGETリクエストを送信し、
// レスポンスボディをUTF-8の文字列として返します。
func (c *Client) Get(ctx context.Context, reqURL string, headers map[string]string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, reqURL, nil, headers)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetJSON は、GETリクエストのレスポンスをJSONとして v にデコードします。
func (c *Client) GetJSON(ctx context.Context, reqURL string, headers map[string]string, v any) error {
	body, err := c.do(ctx, http.MethodGet, reqURL, nil, withAccept(headers, "application/json"))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: JSONレスポンスのデコードに失敗しました (url=%s, size=%d bytes): %w", ErrMalformedResponse, reqURL, len(body), err)
	}
	return nil
}

// PostForm は、フォームをPOSTし、レスポンスボディを文字列として返します。
func (c *Client) PostForm(ctx context.Context, reqURL string, form url.Values, headers map[string]string) (string, error) {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h["Content-Type"] = "application/x-www-form-urlencoded"
	body, err := c.do(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()), h)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) do(ctx context.Context, method, reqURL string, reqBody io.Reader, headers map[string]string) ([]byte, error) {
	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("リクエストURLの解析に失敗しました (%s): %w", reqURL, err)
	}

	// ホストごとのゲートで順番を待つ
	host := parsedURL.Hostname()
	if err := c.gates.Use(ctx, host, c.intervalForHost(host)); err != nil {
		return nil, fmt.Errorf("スロットル待機中にエラーが発生しました (host=%s): %w", host, err)
	}
	if c.globalLimiter != nil {
		if err := c.globalLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("レートリミッター待機中にエラーが発生しました: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%sリクエストの作成に失敗しました (%s): %w", method, reqURL, err)
	}

	// デフォルトヘッダーを全て設定
	for key, value := range c.defaultHeaders {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.Requests.WithLabelValues(host, "error").Inc()
		return nil, fmt.Errorf("%sリクエストの送信に失敗しました (%s): %w", method, reqURL, err)
	}
	defer resp.Body.Close()
	metrics.Requests.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			URL:        reqURL,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗しました: %w", err)
	}

	body, err := decodeBody(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("文字コード変換に失敗しました (url=%s): %w", reqURL, err)
	}
	return body, nil
}

// intervalForHost は、ホストに設定されたリクエスト間隔を返します。
func (c *Client) intervalForHost(host string) time.Duration {
	if val, ok := c.perDomainIntervals[host]; ok {
		if val <= 0 {
			return 0
		}
		return time.Duration(val) * time.Millisecond
	}
	return DefaultInterval
}

// decodeBody は、Content-Type の charset に従ってボディをUTF-8に変換します。
// charset が無い、または UTF-8 の場合はそのまま返します。
func decodeBody(raw []byte, contentType string) ([]byte, error) {
	if contentType == "" {
		return raw, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return raw, nil
	}
	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return raw, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("未対応の文字コード '%s': %w", charset, err)
	}
	return io.ReadAll(transform.NewReader(bytes.NewReader(raw), enc.NewDecoder()))
}

func withAccept(headers map[string]string, accept string) map[string]string {
	h := make(map[string]string, len(headers)+1)
	h["Accept"] = accept
	for k, v := range headers {
		h[k] = v
	}
	return h
}
