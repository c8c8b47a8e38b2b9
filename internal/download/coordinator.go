package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/any-hub/lfs-cache/internal/backend"
	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/integrity"
	"github.com/any-hub/lfs-cache/internal/logging"
	"github.com/any-hub/lfs-cache/internal/metrics"
	"github.com/any-hub/lfs-cache/internal/origin"
)

// ErrTruncated 表示上游正文短于其声明的长度。
var ErrTruncated = errors.New("upstream body truncated")

// Origin 抽象上游拉取，*origin.Client 为默认实现。
type Origin interface {
	Fetch(ctx context.Context, req origin.Request) (*origin.Response, error)
}

// Options 控制协调器行为。
type Options struct {
	ChunkSize int
	// ResumePartial 打开后，支持 Range 且带强 ETag 的上游失败时保留半成品以便续传。
	ResumePartial bool
	// Retention 为失败/完成记录与半成品的保留时长。
	Retention time.Duration
	Logger    *logrus.Logger
	Metrics   *metrics.Recorder
}

// Coordinator 维护每个键至多一个进行中的 Flight。mu 只保护 flights 的查找与创建。
type Coordinator struct {
	store  cache.Store
	origin Origin
	opts   Options
	logger *logrus.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	flights map[cache.Key]*Flight

	partials *ttlcache.Cache[cache.Key, *partial]
	outcomes *ttlcache.Cache[string, Outcome]
}

// partial 是一次失败拉取留下的可续传临时文件。
type partial struct {
	file    *refCountedFile
	temp    *cache.TempFile
	written int64
	etag    string
	taken   atomic.Bool
}

// NewCoordinator 创建协调器并启动记录过期清理。
func NewCoordinator(store cache.Store, src Origin, opts Options) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   store,
		origin:  src,
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		flights: make(map[cache.Key]*Flight),
		partials: ttlcache.New[cache.Key, *partial](
			ttlcache.WithTTL[cache.Key, *partial](opts.Retention),
		),
		outcomes: ttlcache.New[string, Outcome](
			ttlcache.WithTTL[string, Outcome](opts.Retention),
		),
	}
	// 半成品过期或被清空时交还文件引用，最后一个读者离开后删除。
	c.partials.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[cache.Key, *partial]) {
		if p := item.Value(); p != nil && p.taken.CompareAndSwap(false, true) {
			p.file.Release()
		}
	})
	go c.partials.Start()
	go c.outcomes.Start()
	return c
}

// Subscribe 加入键上进行中的拉取，没有则发起一个。调用方必须 Close 返回的订阅。
// 断言了标签的请求只加入标签相符的拉取；标签尚未知晓时先暂时加入，Ready 时再核对。
func (c *Coordinator) Subscribe(target Target) (*Subscription, error) {
	c.mu.Lock()
	if err := c.ctx.Err(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator stopped: %w", err)
	}
	f, joined, provisional, start := c.attachLocked(target)
	c.mu.Unlock()

	if start {
		go c.run(f)
	}
	f.subscribers.Inc()
	c.opts.Metrics.SubscriberJoined(target.Key.Namespace)

	return &Subscription{
		c:           c,
		f:           f,
		target:      target,
		joined:      joined,
		provisional: provisional,
		closing:     make(chan struct{}),
	}, nil
}

// joinMode 描述一个请求能否加入已有的拉取。
type joinMode int

const (
	joinNever joinMode = iota
	joinNow
	// joinProvisional 表示拉取的标签尚未知晓，要等响应头到达后再核对。
	joinProvisional
)

func joinable(f *Flight, target Target) joinMode {
	if integrity.NormalizeTag(target.AssertedTag) == "" || target.Backend.ValidationMode == backend.ValidationModeNever {
		return joinNow
	}
	select {
	case <-f.ready:
		if tagServes(f.info, target) {
			return joinNow
		}
		return joinNever
	default:
	}
	if integrity.NormalizeTag(f.target.AssertedTag) == integrity.NormalizeTag(target.AssertedTag) {
		return joinNow
	}
	return joinProvisional
}

// tagServes 判断拉取得到的标签能否满足请求的断言。
func tagServes(info Info, target Target) bool {
	return target.Backend.Fresh(cache.Entry{ETag: info.ETag}, target.AssertedTag)
}

// attachLocked 为 target 选出要加入的 Flight 并占用一份引用。调用方持有 mu。
// start 为真时调用方负责启动该 Flight；排在链上的 Flight 由前一个结束时启动。
func (c *Coordinator) attachLocked(target Target) (f *Flight, joined, provisional, start bool) {
	head, ok := c.flights[target.Key]
	if !ok {
		f = newFlight(target)
		f.refs.Inc()
		c.flights[target.Key] = f
		c.wg.Add(1)
		return f, false, false, true
	}
	cur := head
	for {
		switch joinable(cur, target) {
		case joinNow:
			cur.refs.Inc()
			return cur, true, false, false
		case joinProvisional:
			cur.refs.Inc()
			return cur, true, true, false
		}
		if cur.next == nil {
			break
		}
		cur = cur.next
	}
	f = newFlight(target)
	f.refs.Inc()
	cur.next = f
	c.wg.Add(1)
	return f, false, false, false
}

// rejoin 把暂时加入的订阅从标签不符的拉取移到相符的拉取上。
func (c *Coordinator) rejoin(s *Subscription) error {
	old := s.f
	c.mu.Lock()
	if err := c.ctx.Err(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator stopped: %w", err)
	}
	f, joined, provisional, start := c.attachLocked(s.target)
	c.mu.Unlock()

	if start {
		go c.run(f)
	}
	f.subscribers.Inc()
	old.subscribers.Dec()
	old.release()
	s.f, s.joined, s.provisional = f, joined, provisional
	c.logger.WithFields(logging.FetchFields(f.key.String(), f.target.URL, string(f.State()))).
		WithField("asserted", s.target.AssertedTag).
		Debug("subscriber_rejoined")
	return nil
}

func (c *Coordinator) leave(s *Subscription) {
	s.f.subscribers.Dec()
	c.opts.Metrics.SubscriberLeft(s.f.key.Namespace)
	s.f.release()
}

func (c *Coordinator) run(f *Flight) {
	defer c.wg.Done()
	ns := f.key.Namespace
	c.opts.Metrics.FetchStarted(ns)
	c.logger.WithFields(logging.FetchFields(f.key.String(), f.target.URL, string(cache.StateFetching))).Debug("fetch_started")

	entry, err := c.fetch(f)

	// 先摘除再广播结束：之后到来的请求要么命中已提交条目，要么发起新的拉取，
	// 不会加入一个已失败的 Flight。排队的后续拉取接替成为该键的当前拉取。
	c.mu.Lock()
	next := f.next
	if c.flights[f.key] == f {
		if next != nil {
			c.flights[f.key] = next
		} else {
			delete(c.flights, f.key)
		}
	}
	c.mu.Unlock()

	f.finish(entry, err)
	c.record(f)
	f.release()
	if next != nil {
		go c.run(next)
	}
}

func (c *Coordinator) fetch(f *Flight) (*cache.Entry, error) {
	t := f.target
	if entry, ok := c.reuseCommitted(f); ok {
		return entry, nil
	}

	part := c.takePartial(t.Key)
	req := origin.Request{URL: t.URL, Proxy: t.Proxy}
	if part != nil {
		req.Offset = part.written
		req.IfRange = part.etag
	}

	resp, err := c.origin.Fetch(c.ctx, req)
	if err != nil {
		if part != nil {
			c.keepPartial(t.Key, part.file, part.temp, part.written, part.etag)
			part.file.Release()
		}
		return nil, err
	}
	defer resp.Body.Close()

	tag := t.Backend.ContentTag(resp.Header)
	var (
		file   *refCountedFile
		temp   *cache.TempFile
		offset int64
	)
	if part != nil && resp.Offset > 0 && resp.Offset == part.written {
		file, temp, offset = part.file, part.temp, part.written
	} else {
		if part != nil {
			part.file.Release()
		}
		temp, err = c.store.CreateTemp(c.ctx, t.Key)
		if err != nil {
			return nil, err
		}
		created := temp
		file = newRefCountedFile(temp.File, func() { _ = c.store.Discard(created) })
	}

	f.attach(file, offset, Info{
		Size:        resp.Size,
		ETag:        tag,
		ContentType: resp.Header.Get("Content-Type"),
	})

	digest := integrity.NewDigest()
	if offset > 0 {
		if err := digest.Prime(temp.File, offset); err != nil {
			return nil, &cache.IOError{Op: "resume", Key: t.Key, Err: err}
		}
	}

	written, err := c.copyBody(f, resp.Body, temp.File, digest, offset)
	if err == nil && resp.Size >= 0 && written != resp.Size {
		err = &origin.UpstreamError{URL: t.URL, Err: fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, written, resp.Size)}
	}
	if err != nil {
		if c.resumable(resp, tag, written, err) {
			c.keepPartial(t.Key, file, temp, written, tag)
		}
		return nil, err
	}

	f.setState(cache.StateVerifying)
	if t.VerifyChecksum {
		if expected := t.Backend.ExpectedChecksum(t.Key, tag); expected != "" {
			if err := digest.Check(expected); err != nil {
				return nil, err
			}
		}
	}

	extra := map[string]string{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		extra["content_type"] = ct
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		extra["last_modified"] = lm
	}
	return c.store.Commit(c.ctx, temp, cache.CommitInfo{
		SHA256:      digest.Sum(),
		ETag:        tag,
		Size:        written,
		UpstreamURL: t.URL,
		Extra:       extra,
	})
}

// reuseCommitted 在真正访问上游前复查缓存：请求方查询缓存与加入 Flight 之间
// 可能刚好有一次拉取完成提交。
func (c *Coordinator) reuseCommitted(f *Flight) (*cache.Entry, bool) {
	res, err := c.store.Open(c.ctx, f.key)
	if err != nil {
		return nil, false
	}
	if !f.target.Backend.Fresh(res.Entry, f.target.AssertedTag) {
		_ = res.Close()
		return nil, false
	}
	reader := res.Reader
	file := newRefCountedFile(reader, func() { _ = reader.Close() })
	f.attach(file, res.Entry.SizeBytes, Info{
		Size:        res.Entry.SizeBytes,
		ETag:        res.Entry.ETag,
		ContentType: res.Entry.Extra["content_type"],
		FromCache:   true,
	})
	entry := res.Entry
	return &entry, true
}

func (c *Coordinator) copyBody(f *Flight, body io.Reader, dst *os.File, digest *integrity.Digest, offset int64) (int64, error) {
	buf := make([]byte, c.opts.ChunkSize)
	written := offset
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], written); werr != nil {
				return written, &cache.IOError{Op: "write", Key: f.key, Err: werr}
			}
			_, _ = digest.Write(buf[:n])
			written += int64(n)
			f.publish(written)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			if !errors.Is(rerr, origin.ErrUpstreamUnavailable) {
				rerr = &origin.UpstreamError{URL: f.target.URL, Err: rerr}
			}
			return written, rerr
		}
	}
}

// resumable 判断失败的拉取能否保留半成品：上游声明支持字节范围且标签为强校验。
func (c *Coordinator) resumable(resp *origin.Response, tag string, written int64, err error) bool {
	if !c.opts.ResumePartial || written <= 0 || c.ctx.Err() != nil {
		return false
	}
	if !errors.Is(err, origin.ErrUpstreamUnavailable) {
		return false
	}
	return resp.AcceptRanges && tag != "" && !integrity.IsWeakTag(tag)
}

func (c *Coordinator) keepPartial(key cache.Key, file *refCountedFile, temp *cache.TempFile, written int64, etag string) {
	if !file.Acquire() {
		return
	}
	c.partials.Set(key, &partial{file: file, temp: temp, written: written, etag: etag}, ttlcache.DefaultTTL)
}

// takePartial 取走续传记录，记录的文件引用随之转移给调用方。
func (c *Coordinator) takePartial(key cache.Key) *partial {
	item := c.partials.Get(key)
	if item == nil {
		return nil
	}
	p := item.Value()
	if p == nil || !p.taken.CompareAndSwap(false, true) {
		return nil
	}
	c.partials.Delete(key)
	return p
}

// Shutdown 取消所有进行中的拉取并等待它们退出，随后释放保留的半成品。可重复调用。
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.stopOnce.Do(func() {
		c.partials.DeleteAll()
		c.partials.Stop()
		c.outcomes.Stop()
	})
	return nil
}
