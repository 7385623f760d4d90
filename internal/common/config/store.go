package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sentra-ai/sentra/internal/common/logger"
)

// Store holds the current configuration snapshot and replaces it atomically
// when the config file changes. Readers call Current() once per operation and
// keep using that snapshot; a reload never mutates a snapshot in place.
type Store struct {
	v      *viper.Viper
	cur    atomic.Pointer[Config]
	logger *logger.Logger
}

// NewStore loads the initial snapshot from the given path (or default
// locations when empty) and returns a Store ready for Watch.
func NewStore(configPath string, log *logger.Logger) (*Store, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	s := &Store{
		v:      v,
		logger: log.WithFields(zap.String("component", "config")),
	}
	s.cur.Store(cfg)
	return s, nil
}

// Current returns the active configuration snapshot.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Watch begins watching the config file for changes. On a change the file is
// re-read and a fresh snapshot swapped in; a parse or validation failure
// keeps the previous snapshot.
func (s *Store) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(); err != nil {
			s.logger.Warn("config reload failed, keeping previous snapshot",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		s.logger.Info("config reloaded", zap.String("file", e.Name))
	})
	s.v.WatchConfig()
}

// Reload re-reads the config file and swaps in a new snapshot.
func (s *Store) Reload() error {
	if err := s.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	cfg, err := unmarshal(s.v)
	if err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}
