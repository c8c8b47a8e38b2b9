package config

import (
	_ "github.com/any-hub/lfs-cache/internal/backend/generic"
	_ "github.com/any-hub/lfs-cache/internal/backend/hflfs"
)
