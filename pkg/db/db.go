package db

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tuncanbit/cpg/pkg/config"
)

func GetDBDSN(config *config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(config.User),
		url.QueryEscape(config.Password),
		config.Host,
		config.Port,
		config.DBName,
		config.SSLMode,
	)
}

// ConnMaxLifetime parses the configured lifetime, falling back to five minutes.
func ConnMaxLifetime(config *config.DatabaseConfig) time.Duration {
	d, err := time.ParseDuration(config.ConnMaxLifetime)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
