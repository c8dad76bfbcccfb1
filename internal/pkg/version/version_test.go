package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info{Version: "1.2.0", Commit: "unknown", BuildDate: "2026-01-02", GoVersion: "go1.24.4", Platform: "linux/amd64"}
	assert.Equal(t, "1.2.0", info.Short())
	assert.Equal(t, "1.2.0 (commit: unknown, built: 2026-01-02, go1.24.4 linux/amd64)", info.String())

	info.Commit = "0123456789abcdef"
	assert.Equal(t, "1.2.0-0123456", info.Short())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}
