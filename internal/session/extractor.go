// Package session はリクエストおよびコネクションハンドシェイクからの
// アイデンティティトークン抽出を提供する。
package session

import (
	"net/http"
	"net/url"
	"strings"
)

// CookieName はセッショントークンを保持するCookieの名前。
const CookieName = "token"

// bearerPrefix はAuthorizationヘッダーのBearerスキームのプレフィックス。
const bearerPrefix = "Bearer "

// FromRequest はHTTPリクエストからトークンを抽出する。
// Cookieのトークンを優先し、存在しない場合のみAuthorizationヘッダーにフォールバックする。
// この優先順位を逆転させると、両方を送るクライアントで勝つアイデンティティが
// 変わってしまう。
// どちらにも存在しない場合は空文字列を返す。
func FromRequest(r *http.Request) string {
	return FromHeaders(r.Header.Get("Cookie"), r.Header.Get("Authorization"))
}

// FromHeaders は生のCookieヘッダーとAuthorizationヘッダーからトークンを抽出する。
// WebSocketハンドシェイクのようにヘッダー値を直接扱う経路で使用する。
func FromHeaders(cookieHeader, authorization string) string {
	cookies := ParseCookieHeader(cookieHeader)
	if tok, ok := cookies[CookieName]; ok && tok != "" {
		return tok
	}

	return bearerToken(authorization)
}

// ParseCookieHeader は生のCookieヘッダー値を名前→値のマップに解釈する。
// 空ヘッダー、複数の";"区切りペア、URLエンコード値を許容する。
// 値に"="を含むCookieに対応するため、各ペアは最初の"="でのみ分割する。
// 解釈できないペアは読み飛ばす。
func ParseCookieHeader(header string) map[string]string {
	cookies := make(map[string]string)
	if header == "" {
		return cookies
	}

	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			continue
		}

		decodedName, err := url.QueryUnescape(name)
		if err != nil {
			decodedName = name
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		cookies[decodedName] = decodedValue
	}

	return cookies
}

// bearerToken はAuthorizationヘッダーからトークン部分を取り出す。
// "Bearer "プレフィックスが付いている場合は取り除き、付いていない場合は値をそのまま返す。
func bearerToken(authorization string) string {
	if authorization == "" {
		return ""
	}
	if tok, found := strings.CutPrefix(authorization, bearerPrefix); found {
		return tok
	}
	return authorization
}
