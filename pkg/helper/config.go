package helper

import (
	"os"
	"path/filepath"
)

// SystemConfigDir is the last place searched for configuration files
const SystemConfigDir = "/etc/imgate"

// ConfigDirEnv names a directory searched before the working directory
const ConfigDirEnv = "IMGATE_CONFIG_DIR"

// GetCfgPath returns the path to the configuration file.
//
// Priority:
// 1. If filename is an absolute path, return it directly.
// 2. Check $IMGATE_CONFIG_DIR/{filename}, ./{filename} and ./configs/{filename}
// 3. Otherwise, fallback to /etc/imgate/{filename}
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}

	if filepath.IsAbs(filename) {
		return filename
	}

	for _, dir := range searchDirs() {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if abs, err := filepath.Abs(candidate); err == nil {
			return abs
		}
	}

	return filepath.Join(SystemConfigDir, filename)
}

func searchDirs() []string {
	var dirs []string
	if env := os.Getenv(ConfigDirEnv); env != "" {
		dirs = append(dirs, env)
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		dirs = append(dirs, wd, filepath.Join(wd, "configs"))
	}
	return dirs
}
