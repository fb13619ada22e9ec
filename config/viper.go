package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadViper merges an optional config file, environment variables and any flags already
// bound on v, then validates and applies defaults. Environment keys are the option keys
// upper-cased with "." replaced by "_" under envPrefix, e.g. PVAS_TLS_KEYCHAIN_FILE.
func (l *Loader) LoadViper(v *viper.Viper, path, envPrefix string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range Keys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := l.Finalize(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
