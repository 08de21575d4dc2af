package recognition

import (
	"errors"
	"fmt"
)

// ServiceError は認識サービスがアプリケーションレベルのエラーを返した場合のエラー
type ServiceError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("認識サービスがエラーを返しました (status=%d, code=%d): %s", e.HTTPStatus, e.Code, e.Message)
}

// TransportError は通信やレスポンスの解析に失敗した場合のエラー
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("認識サービスとの通信に失敗: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsServiceError は err がサービス側のエラーかを返す
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// IsTransportError は err が通信エラーかを返す
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
