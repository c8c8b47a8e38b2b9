package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable 表示请求区间的起点不在对象范围内。
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// byteRange 是解析后、尚未对照对象长度的单个区间。
// suffix 为 true 时 end 表示末尾字节数（bytes=-n）；end < 0 表示开放区间（bytes=a-）。
type byteRange struct {
	start  int64
	end    int64
	suffix bool
}

// parseRange 解析 Range 头。只接受单个 bytes 区间，其他写法返回 ok=false，
// 由调用方忽略该头并返回完整对象。
func parseRange(header string) (byteRange, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes=") {
		return byteRange{}, false
	}
	value := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if value == "" || strings.Contains(value, ",") {
		return byteRange{}, false
	}

	first, last, found := strings.Cut(value, "-")
	if !found {
		return byteRange{}, false
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, false
		}
		return byteRange{end: n, suffix: true}, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false
	}
	if last == "" {
		return byteRange{start: start, end: -1}, true
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return byteRange{}, false
	}
	return byteRange{start: start, end: end}, true
}

// resolve 对照对象长度计算 [start, start+length)。越过末尾的 end 被截断。
func (r byteRange) resolve(size int64) (start, length int64, err error) {
	if r.suffix {
		if r.end == 0 || size == 0 {
			return 0, 0, ErrRangeNotSatisfiable
		}
		n := r.end
		if n > size {
			n = size
		}
		return size - n, n, nil
	}
	if r.start >= size {
		return 0, 0, ErrRangeNotSatisfiable
	}
	end := r.end
	if end < 0 || end >= size {
		end = size - 1
	}
	return r.start, end - r.start + 1, nil
}

func formatContentRange(start, length, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, total)
}
