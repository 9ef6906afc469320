// Package middleware holds the HTTP middleware chain.
package middleware

import (
	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/logger"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	rdb *database.Redis
	log *logger.Logger
	cfg *config.Config
}

// New creates a new Middleware instance. rdb may be nil, in which case rate
// limits are not enforced.
func New(rdb *database.Redis, log *logger.Logger, cfg *config.Config) *Middleware {
	log = log.WithComponent("http")
	if rdb == nil && cfg.Security.RateLimiting.Enabled {
		log.Warn().Msg("Rate limiting enabled without Redis, limits are not enforced")
	}
	return &Middleware{
		rdb: rdb,
		log: log,
		cfg: cfg,
	}
}
