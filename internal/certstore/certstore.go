// Package certstore resolves a TLS certificate for a given SNI, following
// the exact-match -> base-domain -> default fallback order, loading PEM
// material from disk on first use and caching the parsed result for the
// remainder of the process lifetime.
package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tternquist/dns-sni-gateway/internal/faults"
)

// Source is the frozen, on-disk description of one certificate, as loaded
// from configuration. It is never mutated after Store construction.
type Source struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientCert bool
}

// Entry is the resolved, immutable pairing of a certificate chain with its
// client-auth policy, ready to hand to a tls.Config.
type Entry struct {
	Certificate       *tls.Certificate
	ClientCAs         *x509.CertPool
	RequireClientCert bool
}

// ErrNotFound is returned by Resolve when no exact, base-domain, or default
// entry applies to the requested SNI.
var ErrNotFound = fmt.Errorf("certstore: no certificate for SNI")

// Store is the CertStore described in the design: a frozen config map of
// certificate sources plus a lazily populated, never-evicted loaded cache.
type Store struct {
	// exact holds non-wildcard, fully-qualified configured names, and base
	// holds the configured base domains used for suffix matching, longest
	// first so Resolve's linear scan finds the longest match first.
	exact map[string]Source
	base  []baseSource
	def   *Source

	mu     sync.RWMutex
	loaded map[string]*Entry

	inflight sync.Map // string -> *sync.WaitGroup, collapses concurrent first loads
}

type baseSource struct {
	domain string
	source Source
}

// New builds a Store from configured sources. certs is keyed by exact SNI
// or base domain (both forms share one namespace, as in a
// `tls.certs.<domain>` configuration table); def is the optional fallback
// used when nothing else matches.
func New(certs map[string]Source, def *Source) *Store {
	exact := make(map[string]Source)
	var bases []baseSource
	for name, src := range certs {
		name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
		exact[name] = src
		bases = append(bases, baseSource{domain: name, source: src})
	}
	// Longest domain first so the first suffix match in Resolve is also the
	// longest, satisfying "longest match preferred if multiple fit".
	for i := 1; i < len(bases); i++ {
		for j := i; j > 0 && len(bases[j].domain) > len(bases[j-1].domain); j-- {
			bases[j], bases[j-1] = bases[j-1], bases[j]
		}
	}
	return &Store{
		exact:  exact,
		base:   bases,
		def:    def,
		loaded: make(map[string]*Entry),
	}
}

// GetCertificate adapts Resolve to the crypto/tls.Config.GetCertificate
// signature so a *Store can be wired in directly.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	entry, err := s.Resolve(hello.ServerName)
	if err != nil {
		return nil, err
	}
	return entry.Certificate, nil
}

// Resolve returns the Entry for sni, loading and caching PEM material on
// first use. It must stay fast on the hit path: readers take an RLock and
// return immediately.
func (s *Store) Resolve(sni string) (*Entry, error) {
	key := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(sni), "."))

	s.mu.RLock()
	entry, ok := s.loaded[key]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	src, _, found := s.lookupSource(key)
	if !found {
		return nil, ErrNotFound
	}

	return s.loadOnce(key, src)
}

// lookupSource implements the resolution order: exact, then longest
// base-domain suffix, then default.
func (s *Store) lookupSource(key string) (Source, string, bool) {
	if src, ok := s.exact[key]; ok {
		return src, key, true
	}
	for _, b := range s.base {
		if key == b.domain || strings.HasSuffix(key, "."+b.domain) {
			return b.source, b.domain, true
		}
	}
	if s.def != nil {
		return *s.def, "", true
	}
	return Source{}, "", false
}

// loadOnce performs the single-flight-protected disk load for the
// requested SNI (key), storing the result in the loaded cache under that
// same key, so repeat resolutions of the same SNI never touch disk again
// even when several different SNIs share one underlying Source.
func (s *Store) loadOnce(key string, src Source) (result *Entry, err error) {
	wgIface, loading := s.inflight.LoadOrStore(key, new(sync.WaitGroup))
	wg := wgIface.(*sync.WaitGroup)
	if loading {
		wg.Wait()
		s.mu.RLock()
		entry, ok := s.loaded[key]
		s.mu.RUnlock()
		if ok {
			return entry, nil
		}
		// Fell through: the other loader failed. Retry the load ourselves
		// below, via a fresh single-flight entry, rather than caching a
		// permanent failure.
		return s.loadOnce(key, src)
	}

	wg.Add(1)
	defer func() {
		// A panicking loader would otherwise leave wg stuck at 1 forever,
		// wedging every follower in the wg.Wait() above for good.
		if r := recover(); r != nil {
			err = &faults.LockPoisonError{Component: "certstore", Err: fmt.Errorf("panic loading certificate for %q: %v", key, r)}
		}
		wg.Done()
		s.inflight.Delete(key)
	}()

	entry, loadErr := loadEntry(src)
	if loadErr != nil {
		return nil, fmt.Errorf("certstore: loading certificate for %q: %w", key, loadErr)
	}

	s.mu.Lock()
	s.loaded[key] = entry
	s.mu.Unlock()

	return entry, nil
}

func loadEntry(src Source) (*Entry, error) {
	cert, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Certificate:       &cert,
		RequireClientCert: src.RequireClientCert,
	}

	if src.CAFile != "" {
		pem, err := os.ReadFile(src.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %q contains no usable certificates", src.CAFile)
		}
		entry.ClientCAs = pool
	}

	return entry, nil
}
