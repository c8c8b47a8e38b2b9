package origin

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// idleTimeoutBody 在每次 Read 阻塞超过 timeout 时取消请求上下文，
// 让 Transport 中断连接，读方随即得到 ErrReadTimeout。
type idleTimeoutBody struct {
	body    io.ReadCloser
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration
	url     string

	timer     *time.Timer
	closeOnce sync.Once
}

func newIdleTimeoutBody(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, timeout time.Duration, url string) *idleTimeoutBody {
	b := &idleTimeoutBody{
		body:    body,
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		url:     url,
	}
	b.timer = time.AfterFunc(timeout, func() { cancel(ErrReadTimeout) })
	b.timer.Stop()
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	b.timer.Stop()
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if cause := context.Cause(b.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	return n, &UpstreamError{URL: b.url, Err: err}
}

func (b *idleTimeoutBody) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.timer.Stop()
		err = b.body.Close()
		b.cancel(nil)
	})
	return err
}
