package integrity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/minio/sha256-simd"
)

// ErrMismatch 用于 errors.Is 判定摘要不一致。
var ErrMismatch = errors.New("integrity mismatch")

// MismatchError 记录期望与实际摘要。
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// Digest 是边写边算的 sha256，实现 io.Writer。
type Digest struct {
	h       hash.Hash
	written int64
}

// NewDigest 创建空摘要。
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.written += int64(n)
	return n, err
}

// Written 返回累计写入字节数。
func (d *Digest) Written() int64 { return d.written }

// Sum 返回当前摘要的十六进制表示，不影响后续写入。
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Check 将当前摘要与 expected 比较；expected 为空时视为无约束。
func (d *Digest) Check(expected string) error {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return nil
	}
	if actual := d.Sum(); actual != expected {
		return &MismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// Prime 将已有文件的前 n 字节喂入摘要，用于断点续传时恢复哈希状态。
func (d *Digest) Prime(r io.ReaderAt, n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.Copy(d, io.NewSectionReader(r, 0, n))
	if err != nil {
		return fmt.Errorf("prime digest: %w", err)
	}
	if copied != n {
		return fmt.Errorf("prime digest: short read %d/%d", copied, n)
	}
	return nil
}

// SumFile 重新读取整个文件并计算摘要。
func SumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	d := NewDigest()
	if _, err := io.Copy(d, f); err != nil {
		return "", 0, err
	}
	return d.Sum(), d.Written(), nil
}

// VerifyFile 重新计算文件摘要并与 expected 比较。
func VerifyFile(path, expected string) error {
	actual, _, err := SumFile(path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	expected = strings.ToLower(strings.TrimSpace(expected))
	if actual != expected {
		return &MismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
