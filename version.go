package main

import (
	"fmt"
	"runtime"

	"github.com/any-hub/lfs-cache/internal/version"
)

// printVersion 输出构建版本与运行时平台。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s/%s %s\n", version.Full(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
