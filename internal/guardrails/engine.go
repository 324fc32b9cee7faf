// Package guardrails implements the deterministic destructive-operation
// detector. A verdict is purely a function of the enabled pattern set,
// the requester's trust level, and the operation text. No model
// reasoning is involved, so adversarial natural-language input cannot
// defeat it.
package guardrails

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// DefaultCacheTTL is how long a loaded pattern registry stays fresh.
const DefaultCacheTTL = 30 * time.Second

const excerptLimit = 160

// Verdict is the result of one guardrail check.
type Verdict struct {
	Safe       bool                        `json:"safe"`
	Violations []models.GuardrailViolation `json:"violations"`
}

type compiledPattern struct {
	models.GuardrailPattern
	re *regexp.Regexp
}

// Engine checks operation text against the pattern registry. The
// registry is read from the store with a cache TTL; when the store is
// unreachable the engine falls back to the embedded baseline.
type Engine struct {
	store    *store.Store
	logger   *slog.Logger
	cacheTTL time.Duration

	mu       sync.RWMutex
	cached   []compiledPattern
	cachedAt time.Time
}

// NewEngine creates a guardrail engine over the given store.
func NewEngine(s *store.Store, logger *slog.Logger, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger, cacheTTL: cacheTTL}
}

// Check evaluates operationText for the given requester. Every pattern
// match below its bypass trust records a violation, blocked or not;
// only a matching block-severity pattern makes the verdict unsafe.
func (e *Engine) Check(operationText, agentID string, trustLevel int) *Verdict {
	verdict := &Verdict{Safe: true, Violations: []models.GuardrailViolation{}}

	for _, p := range e.patterns() {
		if !p.re.MatchString(operationText) {
			continue
		}
		if trustLevel >= p.MinTrustToBypass {
			continue
		}

		blocked := p.Severity == models.SeverityBlock
		violation := models.GuardrailViolation{
			PatternName: p.Name,
			Category:    p.Category,
			Severity:    p.Severity,
			AgentID:     agentID,
			TrustLevel:  trustLevel,
			Excerpt:     excerpt(p.re, operationText),
			Blocked:     blocked,
		}

		// The record is forensic, not load-bearing; a write failure
		// must not change the verdict.
		recorded, err := e.store.RecordViolation(violation)
		if err != nil {
			e.logger.Error("record guardrail violation failed", "pattern", p.Name, "error", err)
			recorded = &violation
		}
		verdict.Violations = append(verdict.Violations, *recorded)

		if blocked {
			verdict.Safe = false
		}
	}
	return verdict
}

// Invalidate discards the cached registry so the next check reloads.
// The config watcher calls this when the pattern file changes.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cachedAt = time.Time{}
	e.mu.Unlock()
}

// patterns returns the compiled registry, reloading when the cache TTL
// has lapsed and failing open to the baseline when the store errors.
func (e *Engine) patterns() []compiledPattern {
	e.mu.RLock()
	if time.Since(e.cachedAt) < e.cacheTTL && e.cached != nil {
		cached := e.cached
		e.mu.RUnlock()
		return cached
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.cachedAt) < e.cacheTTL && e.cached != nil {
		return e.cached
	}

	source, err := e.store.ListGuardrailPatterns()
	if err != nil {
		e.logger.Warn("pattern registry unreachable, using embedded baseline", "error", err)
		source = Baseline()
	}
	if len(source) == 0 {
		source = Baseline()
	}

	compiled := make([]compiledPattern, 0, len(source))
	for _, p := range source {
		if !p.Enabled {
			continue
		}
		re, err := regexp.Compile(`(?i)` + p.Pattern)
		if err != nil {
			e.logger.Warn("skipping invalid guardrail pattern", "name", p.Name, "error", err)
			continue
		}
		compiled = append(compiled, compiledPattern{GuardrailPattern: p, re: re})
	}

	e.cached = compiled
	e.cachedAt = time.Now()
	return compiled
}

// patternFile is the YAML layout for a pattern registry file.
type patternFile struct {
	Patterns []patternEntry `yaml:"patterns"`
}

type patternEntry struct {
	Name             string `yaml:"name"`
	Category         string `yaml:"category"`
	Pattern          string `yaml:"pattern"`
	Severity         string `yaml:"severity"`
	MinTrustToBypass int    `yaml:"min_trust_to_bypass"`
	Enabled          bool   `yaml:"enabled"`
}

// SeedFromFile loads patterns from a YAML file into the store registry.
// A missing file seeds the embedded baseline instead.
func (e *Engine) SeedFromFile(path string) error {
	patterns := Baseline()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var pf patternFile
			if err := yaml.Unmarshal(data, &pf); err != nil {
				return fmt.Errorf("parse guardrail file: %w", err)
			}
			if len(pf.Patterns) > 0 {
				patterns = patterns[:0]
				for _, entry := range pf.Patterns {
					patterns = append(patterns, models.GuardrailPattern{
						Name:             entry.Name,
						Category:         entry.Category,
						Pattern:          entry.Pattern,
						Severity:         models.Severity(entry.Severity),
						MinTrustToBypass: entry.MinTrustToBypass,
						Enabled:          entry.Enabled,
					})
				}
			}
		case !os.IsNotExist(err):
			return fmt.Errorf("read guardrail file: %w", err)
		}
	}

	for _, p := range patterns {
		if _, err := regexp.Compile(`(?i)` + p.Pattern); err != nil {
			return fmt.Errorf("pattern %q: %w", p.Name, err)
		}
		if err := e.store.UpsertGuardrailPattern(p); err != nil {
			return err
		}
	}
	e.Invalidate()
	return nil
}

func excerpt(re *regexp.Regexp, text string) string {
	loc := re.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	start := loc[0] - 20
	if start < 0 {
		start = 0
	}
	end := loc[1] + 20
	if end > len(text) {
		end = len(text)
	}
	snippet := text[start:end]
	if len(snippet) > excerptLimit {
		snippet = snippet[:excerptLimit]
	}
	return snippet
}
