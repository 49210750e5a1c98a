package router_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub016/internal/router"
)

func writeRoutes(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoutes(t *testing.T) {
	t.Parallel()
	path := writeRoutes(t, `
deepseek:
  upstream_url: https://api.deepseek.com/chat/completions
  model: deepseek-chat
qwen:
  upstream_url: https://dashscope.aliyuncs.com/api/v1
`)
	routes, err := router.LoadRoutes(path)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "deepseek-chat", routes["deepseek"].Model)
	assert.Equal(t, "https://dashscope.aliyuncs.com/api/v1", routes["qwen"].UpstreamURL)
	assert.Empty(t, routes["qwen"].Model)
}

func TestLoadRoutesMissingUpstream(t *testing.T) {
	t.Parallel()
	path := writeRoutes(t, "deepseek:\n  model: deepseek-chat\n")
	_, err := router.LoadRoutes(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream_url")
}

func TestLoadRoutesMissingFile(t *testing.T) {
	t.Parallel()
	_, err := router.LoadRoutes(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
