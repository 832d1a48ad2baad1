package network

import (
	"errors"
	"fmt"
)

// ErrBodyTooLarge 表示响应正文超过缓冲上限，只能以 Stream 透传。
var ErrBodyTooLarge = errors.New("response body exceeds buffer limit")

// Error 表示源站不可达或没有返回可用响应（NetworkError）。
type Error struct {
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("network %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNetworkError 判断 err 链中是否包含 *Error。
func IsNetworkError(err error) bool {
	var target *Error
	return errors.As(err, &target)
}
