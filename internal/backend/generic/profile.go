// Package generic 提供默认后端：仅依据 ETag 判定新鲜度，标签本身是 sha256 时用于校验。
package generic

import "github.com/any-hub/lfs-cache/internal/backend"

func init() {
	backend.MustRegister(backend.Profile{
		Key:            backend.DefaultKey(),
		Description:    "Plain HTTP origin; ETag drives freshness",
		ValidationMode: backend.ValidationModeTag,
		TagHeaders:     []string{"ETag"},
	})
}
