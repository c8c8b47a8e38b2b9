// Package hflfs 描述 LFS/xet 桥接 CDN：对象路径末段即内容 sha256，
// 因此不同镜像域名、不同前缀下的同一对象会落到同一个内容寻址键上。
package hflfs

import (
	"path"
	"strings"

	"github.com/any-hub/lfs-cache/internal/backend"
	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/integrity"
)

// Key 为该后端在配置中的名称。
const Key = "hf-lfs"

func init() {
	backend.MustRegister(backend.Profile{
		Key:            Key,
		Description:    "LFS/xet bridge CDN; objects are content addressed by sha256",
		ValidationMode: backend.ValidationModeTag,
		TagHeaders:     []string{"X-Linked-Etag", "ETag"},
		Checksum:       checksum,
		KeyRewrite:     rewriteKey,
	})
}

func checksum(key cache.Key, tag string) string {
	if sum := integrity.ExpectedChecksum(tag); sum != "" {
		return sum
	}
	return objectID(key.Path)
}

// rewriteKey 将末段为 sha256 的路径改写为 sha256/<hex>，其余保持不变。
func rewriteKey(key cache.Key) cache.Key {
	if id := objectID(key.Path); id != "" {
		key.Path = "sha256/" + id
	}
	return key
}

func objectID(p string) string {
	base := path.Base(p)
	if integrity.IsSHA256Hex(base) {
		return strings.ToLower(base)
	}
	return ""
}
