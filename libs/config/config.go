package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Source resolves settings from environment variables and an optional config file.
// Environment variables win over file values, file values win over fallbacks.
type Source struct {
	v *viper.Viper
}

// New returns a Source. configFile may be empty.
func New(configFile string) (*Source, error) {
	v := viper.New()
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return &Source{v: v}, nil
}

// Bind maps key to explicit environment variable names. Names are used verbatim,
// so mixed-case names such as "TopicName" work on case-sensitive platforms.
func (s *Source) Bind(key string, envNames ...string) {
	if len(envNames) == 0 {
		envNames = []string{key}
	}
	_ = s.v.BindEnv(append([]string{key}, envNames...)...)
}

func (s *Source) String(key, fallback string) string {
	v := strings.TrimSpace(s.v.GetString(key))
	if v == "" {
		return fallback
	}
	return v
}

func (s *Source) RequiredString(key string) (string, error) {
	v := s.String(key, "")
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func (s *Source) Port(key, fallback string) (string, error) {
	v := s.String(key, fallback)
	p, err := strconv.Atoi(v)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a valid TCP port (got %q)", key, v)
	}
	return v, nil
}

func (s *Source) PositiveInt(key string, fallback int) (int, error) {
	v := s.String(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer (got %q)", key, v)
	}
	return n, nil
}

func (s *Source) Duration(key string, fallback time.Duration) (time.Duration, error) {
	v := s.String(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (got %q)", key, v)
	}
	return d, nil
}
