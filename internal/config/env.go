package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvConfigPath = "ROUTINECLOCK_CONFIG"
	EnvLogLevel   = "ROUTINECLOCK_LOG_LEVEL"
	EnvDebugToken = "ROUTINECLOCK_DEBUG_TOKEN"

	DefaultPath = "./config.yaml"
)

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ResolvePath picks the config path: explicit flag, then $ROUTINECLOCK_CONFIG,
// then DefaultPath.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// ApplyEnv overrides config fields from the environment. The manager applies
// it on every parse so overrides survive reloads.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if tok := strings.TrimSpace(os.Getenv(EnvDebugToken)); tok != "" {
		cfg.Debug.Token = tok
	}
}
