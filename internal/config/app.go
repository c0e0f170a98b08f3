package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AppConfigFile is the name of the application config file inside the data directory.
const AppConfigFile = "config.json"

// DefaultExtensions is the video extension allowlist used when config.json does not set one.
var DefaultExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm"}

// AppConfig holds settings read from config.json in the data directory.
type AppConfig struct {
	DefaultPrivate bool
	Extensions     []string
}

// LoadAppConfig reads <dataDir>/config.json. A missing file yields defaults.
func LoadAppConfig(dataDir string) (AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(dataDir, AppConfigFile))
	v.SetConfigType("json")
	v.SetDefault("app_config.video_defaults.private", true)
	v.SetDefault("app_config.extensions", DefaultExtensions)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("failed to read %s: %w", AppConfigFile, err)
		}
	}

	return AppConfig{
		DefaultPrivate: v.GetBool("app_config.video_defaults.private"),
		Extensions:     normalizeExtensions(v.GetStringSlice("app_config.extensions")),
	}, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return DefaultExtensions
	}
	return out
}
