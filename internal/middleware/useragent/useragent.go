// Package useragent assigns a User-Agent picked at random from a preloaded list
// to every outgoing request.
package useragent

import (
	"bufio"
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/metrics"
)

// SettingListFile names the host setting holding the path of the list.
const SettingListFile = "USER_AGENT_LIST"

//go:embed data/user_agents.txt
var defaultList []byte

// ErrEmptyList is returned when a list contains no usable lines.
var ErrEmptyList = errors.New("user agent list is empty")

// Middleware holds the candidate User-Agent values, loaded once.
type Middleware struct {
	agents []string

	mu  sync.Mutex
	rng *rand.Rand
}

// Load reads the list at path, or the built-in list when path is empty.
func Load(path string, logger *zap.Logger) (*Middleware, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		logger.Info("Using built-in user agent list")
		return Parse(bytes.NewReader(defaultList))
	}
	logger.Info("Using user agent file", zap.String("path", path))
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open user agent list %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return Parse(f)
}

// Parse reads one candidate per line. Lines are trimmed and blank lines skipped.
func Parse(r io.Reader) (*Middleware, error) {
	var agents []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			agents = append(agents, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read user agent list: %w", err)
	}
	return New(agents, nil)
}

// New builds a Middleware over agents. A nil rng selects a randomly seeded source.
func New(agents []string, rng *rand.Rand) (*Middleware, error) {
	if len(agents) == 0 {
		return nil, ErrEmptyList
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // not security sensitive
	}
	return &Middleware{agents: append([]string(nil), agents...), rng: rng}, nil
}

// Len returns the number of candidates.
func (m *Middleware) Len() int {
	return len(m.agents)
}

// Select returns one candidate at random.
func (m *Middleware) Select() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[m.rng.IntN(len(m.agents))]
}

// Apply sets a random User-Agent on r. It is meant to be registered with
// colly.Collector.OnRequest.
func (m *Middleware) Apply(r *colly.Request) {
	r.Headers.Set("User-Agent", m.Select())
	metrics.ObserveUserAgent()
}
