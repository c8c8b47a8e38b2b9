package origin

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUpstreamUnavailable 用于 errors.Is 判定上游失败（非 2xx、连接或读取失败）。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrReadTimeout 表示上游在空闲超时内没有产出任何字节。
	ErrReadTimeout = errors.New("upstream read timeout")
)

// UpstreamError 记录上游状态码与底层错误，Status 为 0 表示未收到响应。
type UpstreamError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("upstream %s: status %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("upstream %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamUnavailable }

// NotFound 表示上游明确返回 404，调用方可透传给客户端。
func (e *UpstreamError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// IsNotFound 判断 err 链中是否包含上游 404。
func IsNotFound(err error) bool {
	var upstreamErr *UpstreamError
	return errors.As(err, &upstreamErr) && upstreamErr.NotFound()
}
