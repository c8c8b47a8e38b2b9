package download

import (
	"os"

	"go.uber.org/atomic"
)

// refCountedFile 为临时文件句柄加引用计数：拉取方、订阅者与待续传记录各持一份，
// 最后一份释放时才执行 onRelease（关闭并视情况删除）。
type refCountedFile struct {
	f         *os.File
	refs      atomic.Int32
	onRelease func()
}

func newRefCountedFile(f *os.File, onRelease func()) *refCountedFile {
	rc := &refCountedFile{f: f, onRelease: onRelease}
	rc.refs.Store(1)
	return rc
}

// Acquire 增加引用；文件已被完全释放时返回 false。
func (rc *refCountedFile) Acquire() bool {
	for {
		n := rc.refs.Load()
		if n <= 0 {
			return false
		}
		if rc.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release 减少引用，归零时执行 onRelease。
func (rc *refCountedFile) Release() {
	if rc.refs.Dec() == 0 && rc.onRelease != nil {
		rc.onRelease()
	}
}

// File 返回底层句柄，调用方必须持有引用。
func (rc *refCountedFile) File() *os.File {
	return rc.f
}
