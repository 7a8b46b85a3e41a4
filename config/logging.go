package config

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// SetupLogging applies the configured logrus level.
func SetupLogging(cfg LoggingConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("config: logging level: %w", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}
