// Package rewrite implements the prefix-transposition SNI rewrite rule:
// given a list of base domains and a target suffix, an SNI of the form
// "<prefix>.<base>" is rewritten to "<prefix><target_suffix>".
package rewrite

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/idna"

	"github.com/tternquist/dns-sni-gateway/internal/metrics"
)

// Config is the validated, immutable rewrite rule. BaseDomains is tried in
// order; the first domain an SNI ends with wins. TargetSuffix is normalized
// to begin with a single dot by NewConfig.
type Config struct {
	BaseDomains  []string
	TargetSuffix string
}

// NewConfig validates and normalizes a rewrite rule. base and suffix must be
// non-empty; suffix is given a single leading dot if it lacks one.
func NewConfig(base []string, suffix string) (Config, error) {
	if len(base) == 0 {
		return Config{}, fmt.Errorf("rewrite: base_domains must not be empty")
	}
	if strings.TrimSpace(suffix) == "" {
		return Config{}, fmt.Errorf("rewrite: target_suffix must not be empty")
	}
	normalized := make([]string, len(base))
	for i, b := range base {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			return Config{}, fmt.Errorf("rewrite: base_domains[%d] is empty", i)
		}
		normalized[i] = strings.TrimSuffix(b, ".")
	}
	suffix = strings.TrimSpace(suffix)
	if !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return Config{BaseDomains: normalized, TargetSuffix: suffix}, nil
}

// Result is the immutable outcome of a successful rewrite.
type Result struct {
	SNI    string
	Target string
	Base   string
}

// Rewriter is the single-method capability described in the design notes:
// a pure, total function of (sni, Config) with no error outcomes. "No
// match" is represented by the boolean return, not an error.
type Rewriter interface {
	Rewrite(sni string) (Result, bool)
}

type defaultRewriter struct {
	cfg Config

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	result Result
	ok     bool
}

// New returns the base Rewriter implementation with a concurrent memoizing
// cache. Alternative implementations (regex-driven, table-driven) can
// satisfy the same interface and be substituted without changing callers.
func New(cfg Config) Rewriter {
	return &defaultRewriter{
		cfg:   cfg,
		cache: make(map[string]cacheEntry),
	}
}

func (r *defaultRewriter) Rewrite(sni string) (Result, bool) {
	sni = toASCIICompat(sni)
	key := strings.ToLower(sni)

	r.mu.RLock()
	entry, hit := r.cache[key]
	r.mu.RUnlock()
	if hit {
		return entry.result, entry.ok
	}

	result, ok := computeRewrite(sni, r.cfg)
	if ok {
		metrics.RecordRewrite()
	}

	r.mu.Lock()
	// Another goroutine may have raced us to compute the same key; both
	// results are identical since the function is pure, so last-write-wins
	// is safe and we don't need a second read under the write lock.
	r.cache[key] = cacheEntry{result: result, ok: ok}
	r.mu.Unlock()

	return result, ok
}

// computeRewrite picks the first base domain (in configured order) that
// SNI ends with, with a non-empty, label-clean prefix.
func computeRewrite(sni string, cfg Config) (Result, bool) {
	lower := strings.ToLower(sni)

	for _, base := range cfg.BaseDomains {
		if !strings.HasSuffix(lower, base) {
			continue
		}
		rest := lower[:len(lower)-len(base)]
		if rest == "" || rest[len(rest)-1] != '.' {
			// Either an exact match ("example.org") or a malformed
			// suffix match ("xexample.org") — neither counts.
			continue
		}
		prefixLower := rest[:len(rest)-1]
		if prefixLower == "" || hasEmptyLabel(prefixLower) {
			continue
		}
		// Recover the original-cased prefix from the un-lowered SNI so the
		// rewritten target preserves client casing.
		prefixOriginal := sni[:len(rest)-1]
		target := prefixOriginal + cfg.TargetSuffix
		return Result{SNI: sni, Target: target, Base: base}, true
	}
	return Result{}, false
}

func hasEmptyLabel(s string) bool {
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return true
	}
	return strings.Contains(s, "..")
}

// toASCIICompat converts an internationalized SNI to its punycode/ASCII
// form so base-domain matching works the same for "café.example.org" as
// for its "xn--caf-dma.example.org" wire form. Pure-ASCII input (the
// common case) is returned unchanged, preserving client casing for the
// prefix-recovery step in computeRewrite; malformed or already-ASCII
// input is passed through rather than erroring, keeping Rewrite total.
func toASCIICompat(sni string) string {
	if isASCII(sni) {
		return sni
	}
	ascii, err := idna.Lookup.ToASCII(strings.TrimSpace(sni))
	if err != nil {
		return sni
	}
	return ascii
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
