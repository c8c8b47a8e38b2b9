package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<Namespace>/<path>            # 正文
//	<StoragePath>/<Namespace>/<path>.sha256     # 十六进制摘要
//	<StoragePath>/<Namespace>/<path>.meta       # JSON 元数据，同时作为提交标记
//	<StoragePath>/<Namespace>/<path>.*.incomplete
//
// 只有三者齐全且互相一致时条目才视为 Cached。
type Store interface {
	// Lookup 返回已提交条目的描述，不打开正文。若不存在则返回 ErrNotFound。
	Lookup(ctx context.Context, key Key) (*Entry, error)

	// Open 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Open(ctx context.Context, key Key) (*ReadResult, error)

	// CreateTemp 在目标目录下创建 .incomplete 临时文件，调用方顺序写入。
	CreateTemp(ctx context.Context, key Key) (*TempFile, error)

	// Commit 将临时文件原子地提升为正式条目：fsync、写摘要与元数据、rename。
	// 成功后 temp.Path 不再有效，但已打开的 temp.File 仍可继续读取。
	Commit(ctx context.Context, temp *TempFile, info CommitInfo) (*Entry, error)

	// Discard 关闭并删除临时文件，重复调用安全。
	Discard(temp *TempFile) error

	// List 枚举命名空间下所有已提交条目，按路径排序。
	List(ctx context.Context, namespace string) ([]Entry, error)

	// Remove 删除条目的正文、摘要与元数据。
	Remove(ctx context.Context, key Key) error

	// Sweep 清理崩溃遗留的 .incomplete 文件，返回删除数量；本实例正在使用的临时文件不受影响，
	// 因此可与正常服务并行执行。
	Sweep(ctx context.Context) (int, error)
}

// State 描述缓存条目的生命周期阶段。
type State string

const (
	StateAbsent    State = "absent"
	StateFetching  State = "fetching"
	StateVerifying State = "verifying"
	StateCached    State = "cached"
	StateFailed    State = "failed"
)

// Entry 表示一个已提交的缓存条目。
type Entry struct {
	Key         Key               `json:"key"`
	FilePath    string            `json:"file_path"`
	SHA256      string            `json:"sha256"`
	ETag        string            `json:"etag,omitempty"`
	SizeBytes   int64             `json:"size_bytes"`
	UpstreamURL string            `json:"upstream_url,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// CommitInfo 描述提交时写入元数据的内容。
type CommitInfo struct {
	SHA256      string
	ETag        string
	Size        int64
	UpstreamURL string
	Extra       map[string]string
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader *os.File
}

// TempFile 是下载过程中的追加写文件。File 以读写模式打开，允许订阅者 ReadAt。
type TempFile struct {
	Key  Key
	Path string
	File *os.File

	dataPath string
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrCacheIO 用于 errors.Is 判定缓存读写失败。
	ErrCacheIO = errors.New("cache io error")
)

// IOError 包装文件系统错误，并携带操作与键，映射为 500。
type IOError struct {
	Op  string
	Key Key
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrCacheIO }

func ioErr(op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Key: key, Err: err}
}

// SectionReader 返回条目指定区间的只读视图。
func (r *ReadResult) SectionReader(offset, length int64) io.Reader {
	return io.NewSectionReader(r.Reader, offset, length)
}

// Close 释放正文句柄。
func (r *ReadResult) Close() error {
	if r == nil || r.Reader == nil {
		return nil
	}
	return r.Reader.Close()
}
