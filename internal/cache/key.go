package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// 预留后缀，正文文件名不得以它们结尾，否则会与旁路文件冲突。
const (
	sidecarSuffix    = ".sha256"
	metaSuffix       = ".meta"
	incompleteSuffix = ".incomplete"
)

var reservedSuffixes = []string{sidecarSuffix, metaSuffix, incompleteSuffix}

// ErrInvalidKey 表示命名空间或路径无法映射到磁盘。
var ErrInvalidKey = errors.New("invalid cache key")

// Key 唯一定位一个对象：命名空间 + 逻辑路径（不含查询串）。
// 同一命名空间下的多个镜像域名共享键空间。
type Key struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

// NewKey 规范化原始请求路径并校验命名空间。路径中出现 ".." 段直接拒绝，
// 而不是由 path.Clean 吞掉。
func NewKey(namespace, rawPath string) (Key, error) {
	if err := validateNamespace(namespace); err != nil {
		return Key{}, err
	}
	trimmed := strings.Trim(rawPath, "/")
	if trimmed == "" {
		return Key{}, fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return Key{}, fmt.Errorf("%w: path traversal in %q", ErrInvalidKey, rawPath)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+trimmed), "/")
	if cleaned == "" || cleaned == "." {
		return Key{}, fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	return Key{Namespace: namespace, Path: cleaned}, nil
}

func (k Key) String() string {
	return k.Namespace + "/" + k.Path
}

func validateNamespace(ns string) error {
	switch {
	case ns == "":
		return fmt.Errorf("%w: namespace required", ErrInvalidKey)
	case strings.HasPrefix(ns, "."):
		return fmt.Errorf("%w: namespace %q", ErrInvalidKey, ns)
	case strings.ContainsAny(ns, `/\`):
		return fmt.Errorf("%w: namespace %q", ErrInvalidKey, ns)
	}
	return nil
}

// encodePath 将逻辑路径逐段转义为相对文件路径（"/" 分隔）。
func encodePath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = encodeSegment(seg)
	}
	return strings.Join(segs, "/")
}

// decodePath 是 encodePath 的逆运算。
func decodePath(rel string) (string, error) {
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		dec, err := url.PathUnescape(seg)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		segs[i] = dec
	}
	return strings.Join(segs, "/"), nil
}

// encodeSegment 使用 PathEscape 转义，再把开头的 "." 与预留后缀中的 "."
// 写成 %2E，保证正文文件既不会隐藏也不会冒充旁路文件。
func encodeSegment(seg string) string {
	enc := url.PathEscape(seg)
	if strings.HasPrefix(enc, ".") {
		enc = "%2E" + enc[1:]
	}
	for _, suffix := range reservedSuffixes {
		if strings.HasSuffix(enc, suffix) {
			cut := len(enc) - len(suffix)
			enc = enc[:cut] + "%2E" + suffix[1:]
			break
		}
	}
	return enc
}
