package backend

import (
	"net/http"
	"strings"

	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/integrity"
)

// ValidationMode 描述缓存命中时如何判定新鲜度。
type ValidationMode string

const (
	// ValidationModeTag 比较请求断言的内容标签与已存标签。
	ValidationModeTag ValidationMode = "tag"
	// ValidationModeNever 已缓存即视为新鲜，忽略标签断言。
	ValidationModeNever ValidationMode = "never"
)

// KeyRewrite 允许后端调整缓存键，例如改为内容寻址。
type KeyRewrite func(cache.Key) cache.Key

// ChecksumFunc 根据键与内容标签推导期望的 sha256，无法推导时返回空串。
type ChecksumFunc func(key cache.Key, tag string) string

// Profile 记录一个后端的静态策略，供配置校验、下载协调与诊断端使用。
type Profile struct {
	Key            string         `json:"key"`
	Description    string         `json:"description"`
	ValidationMode ValidationMode `json:"validation_mode"`
	// TagHeaders 按优先级列出上游响应中携带内容标签的头部。
	TagHeaders []string     `json:"tag_headers"`
	Checksum   ChecksumFunc `json:"-"`
	KeyRewrite KeyRewrite   `json:"-"`
}

// DefaultKey 返回内置 generic 后端的键值。
func DefaultKey() string {
	return defaultKey
}

// ContentTag 从上游响应头中按 TagHeaders 顺序取出第一个非空标签。
func (p Profile) ContentTag(header http.Header) string {
	headers := p.TagHeaders
	if len(headers) == 0 {
		headers = []string{"ETag"}
	}
	for _, name := range headers {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// ExpectedChecksum 返回对象的期望摘要；未配置 Checksum 时回退到标签本身。
func (p Profile) ExpectedChecksum(key cache.Key, tag string) string {
	if p.Checksum != nil {
		return p.Checksum(key, tag)
	}
	return integrity.ExpectedChecksum(tag)
}

// RewriteKey 应用后端的键重写，未配置时原样返回。
func (p Profile) RewriteKey(key cache.Key) cache.Key {
	if p.KeyRewrite == nil {
		return key
	}
	return p.KeyRewrite(key)
}

// Fresh 判断已缓存条目在给定断言下是否可以直接复用。
func (p Profile) Fresh(entry cache.Entry, asserted string) bool {
	if p.ValidationMode == ValidationModeNever {
		return true
	}
	return integrity.TagsMatch(entry.ETag, asserted)
}
