package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// maxErrorBodyPreview はエラーメッセージに含めるレスポンスボディの最大長です。
const maxErrorBodyPreview = 1024

// ValidationError は、送信前にクライアント側で弾いた入力エラーです。
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("入力値が不正です (%s=%q): %s", e.Field, e.Value, e.Reason)
}

// ServerError は、バックエンドが構造化エラーを返したことを示します。
// Message はユーザーにそのまま表示できる文言です。
type ServerError struct {
	StatusCode int
	Message    string
	Code       string
	Body       []byte
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("サーバーエラー: ステータスコード %d, %s", e.StatusCode, e.Message)
	}
	if len(e.Body) > 0 {
		body := strings.TrimSpace(string(e.Body))
		if len(body) > maxErrorBodyPreview {
			body = body[:maxErrorBodyPreview] + "..."
		}
		return fmt.Sprintf("サーバーエラー: ステータスコード %d, ボディ: %s", e.StatusCode, body)
	}
	return fmt.Sprintf("サーバーエラー: ステータスコード %d, ボディなし", e.StatusCode)
}

// UserMessage は通知に表示する文言を返します。サーバーのメッセージがあればそれを優先します。
func (e *ServerError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return http.StatusText(e.StatusCode)
}

// Retryable は 5xx かどうかを返します。4xx は再送しても結果が変わりません。
func (e *ServerError) Retryable() bool {
	return e.StatusCode >= 500 && e.StatusCode <= 599
}

// TransportError は、レスポンスを受け取れなかった (ネットワーク/接続/読み込み) エラーです。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: 通信エラー: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsServerError は、エラーチェーンから ServerError を取り出します。
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsValidationError は入力検証エラーかどうかを返します。
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransportError は通信エラーかどうかを返します。
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsConflict は、既に登録済みのURLを作成しようとした場合のエラーかを返します。
func IsConflict(err error) bool {
	se, ok := AsServerError(err)
	return ok && se.StatusCode == http.StatusConflict
}

// IsNotFound は、対象のレコードが存在しない場合のエラーかを返します。
func IsNotFound(err error) bool {
	se, ok := AsServerError(err)
	return ok && se.StatusCode == http.StatusNotFound
}

// UserMessage は、エラーの種類に応じてユーザー向けの文言を返します。
// サーバーの文言はそのまま、通信エラーは再試行を促す汎用の文言になります。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	if se, ok := AsServerError(err); ok {
		return se.UserMessage()
	}
	if IsTransportError(err) {
		return "サーバーに接続できませんでした。時間をおいて再度お試しください。"
	}
	return "予期しないエラーが発生しました。"
}
