package crawler

import (
	"errors"
	"time"
)

// Config controls a single crawl run.
type Config struct {
	Seeds          []string
	AllowedDomains []string
	BlockedDomains []string
	// MaxDepth limits link depth. Seeds are depth 1; 0 means unlimited.
	MaxDepth       int
	Delay          time.Duration
	RequestTimeout time.Duration
	// UserAgent is the collector default; request middlewares may replace it.
	UserAgent     string
	RespectRobots bool
}

var (
	// ErrNoSeeds is returned when a run has nothing to visit.
	ErrNoSeeds = errors.New("crawler: no seed urls")
	// ErrNegativeDepth is returned for a max depth below zero.
	ErrNegativeDepth = errors.New("crawler: max depth must be >= 0")
)

// Validate checks the configuration before a run starts.
func (c Config) Validate() error {
	if len(c.Seeds) == 0 {
		return ErrNoSeeds
	}
	if c.MaxDepth < 0 {
		return ErrNegativeDepth
	}
	return nil
}
