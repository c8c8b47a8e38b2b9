package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		temps:    make(map[string]struct{}),
		now:      time.Now,
	}, nil
}

// fileStore 通过 entryLock 串行化同一 Key 的提交/删除/查询，不同 Key 之间无锁。
type fileStore struct {
	basePath string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
	// temps 记录本进程仍在使用的临时文件，Sweep 不会触碰它们。
	temps map[string]struct{}
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// metaRecord 为 .meta 文件的 JSON 结构。
type metaRecord struct {
	ETag        string            `json:"etag,omitempty"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	UpstreamURL string            `json:"upstream_url,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func (s *fileStore) Lookup(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataPath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(key)
	defer unlock()
	return s.readEntry(key, dataPath)
}

func (s *fileStore) Open(ctx context.Context, key Key) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataPath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(key)
	defer unlock()

	entry, err := s.readEntry(key, dataPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioErr("open", key, err)
	}
	return &ReadResult{Entry: *entry, Reader: f}, nil
}

// readEntry 校验正文、摘要与元数据三者一致；任一缺失或不一致即视为不存在。
func (s *fileStore) readEntry(key Key, dataPath string) (*Entry, error) {
	info, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioErr("stat", key, err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	rawMeta, err := os.ReadFile(dataPath + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioErr("read meta", key, err)
	}
	var meta metaRecord
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, ErrNotFound
	}

	rawSum, err := os.ReadFile(dataPath + sidecarSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, ioErr("read sidecar", key, err)
	}
	sum := strings.TrimSpace(string(rawSum))

	if meta.Size != info.Size() || !strings.EqualFold(meta.SHA256, sum) {
		return nil, ErrNotFound
	}

	return &Entry{
		Key:         key,
		FilePath:    dataPath,
		SHA256:      strings.ToLower(sum),
		ETag:        meta.ETag,
		SizeBytes:   info.Size(),
		UpstreamURL: meta.UpstreamURL,
		CommittedAt: meta.CommittedAt,
		Extra:       meta.Extra,
	}, nil
}

func (s *fileStore) CreateTemp(ctx context.Context, key Key) (*TempFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataPath, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, ioErr("mkdir", key, err)
	}

	tempPath := tempName(dataPath)
	s.track(tempPath)
	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		s.untrack(tempPath)
		return nil, ioErr("create temp", key, err)
	}
	return &TempFile{Key: key, Path: tempPath, File: f, dataPath: dataPath}, nil
}

func (s *fileStore) Commit(ctx context.Context, temp *TempFile, info CommitInfo) (*Entry, error) {
	if temp == nil || temp.File == nil {
		return nil, errors.New("temp file required")
	}
	key := temp.Key
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := temp.File.Sync(); err != nil {
		return nil, ioErr("sync", key, err)
	}
	stat, err := temp.File.Stat()
	if err != nil {
		return nil, ioErr("stat temp", key, err)
	}
	if stat.Size() != info.Size {
		return nil, ioErr("commit", key, fmt.Errorf("size mismatch: wrote %d, expected %d", stat.Size(), info.Size))
	}

	committedAt := s.now().UTC()
	meta := metaRecord{
		ETag:        info.ETag,
		Size:        info.Size,
		SHA256:      strings.ToLower(info.SHA256),
		UpstreamURL: info.UpstreamURL,
		CommittedAt: committedAt,
		Extra:       info.Extra,
	}
	rawMeta, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, ioErr("encode meta", key, err)
	}

	unlock := s.lockEntry(key)
	defer unlock()

	sumTemp := tempName(temp.dataPath + sidecarSuffix)
	metaTemp := tempName(temp.dataPath + metaSuffix)
	s.track(sumTemp)
	s.track(metaTemp)
	defer s.untrack(sumTemp)
	defer s.untrack(metaTemp)
	if err := writeSynced(sumTemp, []byte(meta.SHA256+"\n")); err != nil {
		return nil, ioErr("write sidecar", key, err)
	}
	if err := writeSynced(metaTemp, rawMeta); err != nil {
		os.Remove(sumTemp)
		return nil, ioErr("write meta", key, err)
	}

	// 先撤掉旧的提交标记，崩溃窗口内旧条目表现为不存在，而不是新旧混搭。
	if err := os.Remove(temp.dataPath + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(sumTemp)
		os.Remove(metaTemp)
		return nil, ioErr("remove marker", key, err)
	}
	renames := [][2]string{
		{temp.Path, temp.dataPath},
		{sumTemp, temp.dataPath + sidecarSuffix},
		{metaTemp, temp.dataPath + metaSuffix},
	}
	for _, pair := range renames {
		if err := os.Rename(pair[0], pair[1]); err != nil {
			os.Remove(sumTemp)
			os.Remove(metaTemp)
			return nil, ioErr("rename", key, err)
		}
	}
	syncDir(filepath.Dir(temp.dataPath))
	s.untrack(temp.Path)
	temp.Path = temp.dataPath

	return &Entry{
		Key:         key,
		FilePath:    temp.dataPath,
		SHA256:      meta.SHA256,
		ETag:        meta.ETag,
		SizeBytes:   meta.Size,
		UpstreamURL: meta.UpstreamURL,
		CommittedAt: committedAt,
		Extra:       meta.Extra,
	}, nil
}

func (s *fileStore) Discard(temp *TempFile) error {
	if temp == nil {
		return nil
	}
	var closeErr error
	if temp.File != nil {
		closeErr = temp.File.Close()
		if errors.Is(closeErr, os.ErrClosed) {
			closeErr = nil
		}
	}
	// 已提交的临时文件路径指向正式条目，不能删除。
	if temp.Path == "" || temp.Path == temp.dataPath {
		return closeErr
	}
	defer s.untrack(temp.Path)
	if err := os.Remove(temp.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("discard", temp.Key, err)
	}
	temp.Path = ""
	return closeErr
}

func (s *fileStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	root := filepath.Join(s.basePath, namespace)
	var entries []Entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), metaSuffix) || strings.HasSuffix(d.Name(), incompleteSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, strings.TrimSuffix(p, metaSuffix))
		if err != nil {
			return nil
		}
		logical, err := decodePath(filepath.ToSlash(rel))
		if err != nil {
			return nil
		}
		key := Key{Namespace: namespace, Path: logical}
		entry, err := s.Lookup(ctx, key)
		if err != nil {
			return nil
		}
		entries = append(entries, *entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list namespace %s: %w", namespace, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Path < entries[j].Key.Path })
	return entries, nil
}

func (s *fileStore) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataPath, err := s.entryPath(key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(key)
	defer unlock()

	if _, err := s.readEntry(key, dataPath); err != nil {
		return err
	}
	// 标记最先删除，之后的残留文件不会被误认为有效条目。
	for _, p := range []string{dataPath + metaSuffix, dataPath + sidecarSuffix, dataPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioErr("remove", key, err)
		}
	}
	return nil
}

func (s *fileStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), incompleteSuffix) || s.active(p) {
			return nil
		}
		if err := os.Remove(p); err == nil {
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *fileStore) track(p string) {
	s.mu.Lock()
	s.temps[p] = struct{}{}
	s.mu.Unlock()
}

func (s *fileStore) untrack(p string) {
	s.mu.Lock()
	delete(s.temps, p)
	s.mu.Unlock()
}

func (s *fileStore) active(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.temps[p]
	return ok
}

func (s *fileStore) lockEntry(key Key) func() {
	id := key.String()
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key Key) (string, error) {
	if err := validateNamespace(key.Namespace); err != nil {
		return "", err
	}
	if key.Path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidKey)
	}

	nsRoot := filepath.Join(s.basePath, key.Namespace)
	filePath := filepath.Join(nsRoot, filepath.FromSlash(encodePath(key.Path)))
	if !strings.HasPrefix(filePath, nsRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes namespace", ErrInvalidKey, key)
	}
	return filePath, nil
}

func tempName(target string) string {
	return target + "." + uuid.NewString() + incompleteSuffix
}

func writeSynced(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(p)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p)
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
