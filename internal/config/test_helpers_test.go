package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把全局配置与若干 [[Site]] 片段拼成临时 TOML 文件。
func writeTempConfig(t *testing.T, global string, sites ...string) string {
	t.Helper()
	content := strings.TrimSpace(global) + "\n\n" + strings.Join(sites, "\n")
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// siteBlock 返回一个最小可用的站点片段，extra 追加到块尾。
func siteBlock(name string, extra ...string) string {
	lines := []string{
		"[[Site]]",
		fmt.Sprintf("Name = %q", name),
		fmt.Sprintf("Domain = %q", name+".local"),
		fmt.Sprintf("Origin = %q", "https://"+name+".example.com"),
		`Version = "v1"`,
	}
	return strings.Join(append(lines, extra...), "\n") + "\n"
}
