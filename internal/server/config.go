package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the PanelGrid configuration. Precedence, highest first:
// PANELGRID_* environment variables, the config file (explicit path or a
// panelgrid.yaml found in the search paths), then built-in defaults.
func LoadConfig(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("store.path", "panelgrid.db")

	v.SetDefault("plugins.discovery.enabled", true)
	v.SetDefault("plugins.actions.enabled", true)
	v.SetDefault("plugins.dispatch.enabled", false)

	v.SetEnvPrefix("PANELGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("panelgrid")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/panelgrid")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env still apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}
