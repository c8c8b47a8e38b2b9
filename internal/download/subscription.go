package download

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/atomic"

	"github.com/any-hub/lfs-cache/internal/cache"
)

// ErrSubscriptionClosed 表示订阅已被关闭，通常因为客户端断开。
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription 是单个请求对 Flight 的一份引用。关闭订阅不会中止共享拉取。
type Subscription struct {
	c      *Coordinator
	f      *Flight
	target Target
	joined bool
	// provisional 为真时所加入拉取的标签尚未核对。
	provisional bool

	closing   chan struct{}
	closeOnce sync.Once
	served    atomic.Int64
}

// Joined 表示该订阅加入了已存在的拉取，而不是发起者。
func (s *Subscription) Joined() bool { return s.joined }

// Key 返回订阅的对象键。
func (s *Subscription) Key() cache.Key { return s.f.key }

// Served 返回通过该订阅读出的字节数。
func (s *Subscription) Served() int64 { return s.served.Load() }

// Ready 阻塞到上游响应头到达（或拉取失败），返回对象总长与内容标签。
// 暂时加入的订阅在此核对标签，不符时改为加入或排队一次相符的拉取。
func (s *Subscription) Ready(ctx context.Context) (Info, error) {
	for {
		info, err := s.awaitReady(ctx)
		if err != nil || !s.provisional || tagServes(info, s.target) {
			s.provisional = false
			return info, err
		}
		if err := s.c.rejoin(s); err != nil {
			return Info{}, err
		}
	}
}

func (s *Subscription) awaitReady(ctx context.Context) (Info, error) {
	select {
	case <-s.f.ready:
		return s.f.info, nil
	case <-s.f.done:
		if s.f.err != nil {
			return Info{}, s.f.err
		}
		return s.f.info, nil
	case <-s.closing:
		return Info{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

// Wait 阻塞到拉取结束，返回已提交条目或失败原因。
func (s *Subscription) Wait(ctx context.Context) (*cache.Entry, error) {
	if s.provisional {
		if _, err := s.Ready(ctx); err != nil {
			return nil, err
		}
	}
	select {
	case <-s.f.done:
		return s.f.entry, s.f.err
	case <-s.closing:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reader 返回从 offset 起读取 length 字节的流（length < 0 表示读到对象末尾）。
// 必须在 Ready 成功后调用；关闭返回的 Reader 即关闭订阅。
func (s *Subscription) Reader(offset, length int64) io.ReadCloser {
	end := int64(-1)
	if length >= 0 {
		end = offset + length
	}
	return &streamReader{sub: s, f: s.f, off: offset, end: end}
}

// Close 释放订阅；重复调用安全。
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.c.leave(s)
	})
	return nil
}

// streamReader 按严格递增的偏移从共享文件读取，遇到尚未写入的尾部时阻塞等待。
type streamReader struct {
	sub *Subscription
	f   *Flight
	off int64
	end int64
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		wait := r.f.changed()
		finished := false
		select {
		case <-r.f.done:
			finished = true
		default:
		}
		if finished && r.f.err != nil {
			return 0, r.f.err
		}

		size := r.f.info.Size
		avail := r.f.written.Load()
		// 对象的最后一个字节留到校验与提交完成后再交出，失败时读者得到错误而不是完整正文。
		if !finished && size > 0 && avail >= size {
			avail = size - 1
		}
		limit := avail
		if r.end >= 0 && r.end < limit {
			limit = r.end
		}
		if r.off < limit {
			n := int64(len(p))
			if rem := limit - r.off; rem < n {
				n = rem
			}
			got, err := r.f.file.File().ReadAt(p[:n], r.off)
			r.off += int64(got)
			r.sub.served.Add(int64(got))
			if err != nil && !errors.Is(err, io.EOF) {
				return got, &cache.IOError{Op: "read", Key: r.f.key, Err: err}
			}
			if got == 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return got, nil
		}

		if r.end >= 0 && r.off >= r.end && (finished || r.end < size) {
			return 0, io.EOF
		}
		if r.end < 0 && finished && r.off >= avail {
			return 0, io.EOF
		}

		select {
		case <-r.f.done:
		case <-wait:
		case <-r.sub.closing:
			return 0, ErrSubscriptionClosed
		}
	}
}

func (r *streamReader) Close() error {
	return r.sub.Close()
}
