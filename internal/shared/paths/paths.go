package paths

import (
	"os"
	"path/filepath"
)

const dataDirName = ".giveaway-o-tron"

// GetDataDir はデータディレクトリ(~/.giveaway-o-tron)を返す。
// GIVEAWAY_DATA_DIR が設定されている場合はそちらを優先する。
func GetDataDir() string {
	if dir := os.Getenv("GIVEAWAY_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dataDirName
	}
	return filepath.Join(home, dataDirName)
}

// GetDBPath returns the sqlite settings database path.
func GetDBPath() string {
	return filepath.Join(GetDataDir(), "local.db")
}

// EnsureDataDirs creates the data directory if missing.
func EnsureDataDirs() error {
	return os.MkdirAll(GetDataDir(), 0o755)
}
