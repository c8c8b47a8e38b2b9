package download

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/any-hub/lfs-cache/internal/backend"
	"github.com/any-hub/lfs-cache/internal/cache"
)

// Target 描述要拉取的对象。
type Target struct {
	Key   cache.Key
	URL   string
	Proxy string
	// Backend 决定内容标签来源、摘要推导与新鲜度判定。
	Backend backend.Profile
	// AssertedTag 为请求方断言的内容标签，空表示不约束。
	AssertedTag    string
	VerifyChecksum bool
}

// Info 在上游响应头到达后可用。
type Info struct {
	// Size 为对象总长度，未知时为 -1。
	Size        int64
	ETag        string
	ContentType string
	// FromCache 表示该 Flight 直接复用了已提交条目，没有访问上游。
	FromCache bool
}

// Flight 是某个键正在进行的一次拉取。
type Flight struct {
	key     cache.Key
	target  Target
	started time.Time

	ready chan struct{}
	done  chan struct{}

	// 以下字段在 ready 关闭前写入，之后只读。
	file *refCountedFile
	info Info

	// 以下字段在 done 关闭前写入，之后只读。
	entry *cache.Entry
	err   error

	written     atomic.Int64
	state       atomic.String
	refs        atomic.Int32
	subscribers atomic.Int32

	notifyMu sync.Mutex
	notify   chan struct{}

	// next 是排在本次拉取之后、断言了不同标签的拉取，由 Coordinator.mu 保护。
	next *Flight
}

func newFlight(target Target) *Flight {
	f := &Flight{
		key:     target.Key,
		target:  target,
		started: time.Now(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		notify:  make(chan struct{}),
	}
	f.state.Store(string(cache.StateFetching))
	f.refs.Store(1)
	return f
}

// attach 绑定正文文件并公开响应头信息，随后唤醒等待 Ready 的订阅者。
func (f *Flight) attach(file *refCountedFile, published int64, info Info) {
	f.file = file
	f.info = info
	f.written.Store(published)
	close(f.ready)
}

// publish 公布新的已写入长度，并广播给阻塞中的读者。
func (f *Flight) publish(n int64) {
	f.written.Store(n)
	f.notifyMu.Lock()
	close(f.notify)
	f.notify = make(chan struct{})
	f.notifyMu.Unlock()
}

// changed 返回下一次 publish 时关闭的通道。必须先取通道再读 written，避免丢失唤醒。
func (f *Flight) changed() <-chan struct{} {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	return f.notify
}

func (f *Flight) finish(entry *cache.Entry, err error) {
	f.entry = entry
	f.err = err
	if err != nil {
		f.state.Store(string(cache.StateFailed))
	} else {
		f.state.Store(string(cache.StateCached))
	}
	close(f.done)
}

func (f *Flight) setState(state cache.State) {
	f.state.Store(string(state))
}

// State 返回当前生命周期阶段。
func (f *Flight) State() cache.State {
	return cache.State(f.state.Load())
}

// release 释放一份 Flight 引用，归零时交还文件引用。
func (f *Flight) release() {
	if f.refs.Dec() == 0 && f.file != nil {
		f.file.Release()
	}
}
