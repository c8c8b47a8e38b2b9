package integrity

import (
	"strings"
)

// NormalizeTag 去掉弱校验前缀 W/ 与引号；十六进制摘要统一为小写。
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)
	if IsSHA256Hex(tag) {
		return strings.ToLower(tag)
	}
	return tag
}

// IsWeakTag 判断是否为弱实体标签，弱标签不能用于 If-Range。
func IsWeakTag(tag string) bool {
	return strings.HasPrefix(strings.TrimSpace(tag), "W/")
}

// TagsMatch 判断缓存的内容标签与请求断言是否一致。asserted 为空表示调用方
// 没有断言，任何已缓存条目都视为新鲜。
func TagsMatch(stored, asserted string) bool {
	a := NormalizeTag(asserted)
	if a == "" {
		return true
	}
	return NormalizeTag(stored) == a
}

// ExpectedChecksum 返回可作为 sha256 使用的标签值：LFS 对象的 ETag 即内容摘要。
func ExpectedChecksum(tag string) string {
	n := NormalizeTag(tag)
	if IsSHA256Hex(n) {
		return n
	}
	return ""
}

// IsSHA256Hex 判断字符串是否为 64 位十六进制。
func IsSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
