package config

import (
	"os"
	"strings"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CACHEGATE_CONFIG"

// ResolvePath 按 --config 参数、CACHEGATE_CONFIG、config.toml 的顺序确定配置路径。
func ResolvePath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return "config.toml"
}
