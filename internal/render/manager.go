package render

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Provider is one renderer with the rune window it accepts.
type Provider struct {
	Name     string
	Renderer Renderer
	MinRunes int
	MaxRunes int
}

func (p Provider) accepts(n int) bool {
	if n < p.MinRunes {
		return false
	}
	return p.MaxRunes <= 0 || n <= p.MaxRunes
}

type cacheEntry struct {
	art Artifact
	at  time.Time
}

// Manager tries providers in order and returns the first artifact. Recent
// results are cached briefly so an edited or repeated text is not rendered
// twice.
type Manager struct {
	providers []Provider

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

func NewManager(providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
		cache:     map[string]cacheEntry{},
		ttl:       2 * time.Minute,
	}
}

// Accepts reports whether any provider's window covers text.
func (m *Manager) Accepts(text string) bool {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	for _, p := range m.providers {
		if p.accepts(n) {
			return true
		}
	}
	return false
}

func cacheKey(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) Render(ctx context.Context, text string) (Artifact, error) {
	text = strings.TrimSpace(text)
	key := cacheKey(text)

	m.mu.Lock()
	if ce, ok := m.cache[key]; ok && time.Since(ce.at) < m.ttl {
		m.mu.Unlock()
		return ce.art, nil
	}
	m.mu.Unlock()

	n := utf8.RuneCountInString(text)
	rerr := &RenderError{}
	for _, p := range m.providers {
		if !p.accepts(n) {
			rerr.Failures = append(rerr.Failures, ProviderError{Provider: p.Name, Err: ErrTextLength})
			continue
		}
		start := time.Now()
		art, err := p.Renderer.Render(ctx, text)
		if err == nil && art.Empty() {
			err = ErrNoImage
		}
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Name).Msg("render provider failed")
			rerr.Failures = append(rerr.Failures, ProviderError{Provider: p.Name, Err: err})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		log.Debug().Str("provider", p.Name).Dur("took", time.Since(start)).Int("runes", n).Msg("rendered")

		m.mu.Lock()
		m.cache[key] = cacheEntry{art: art, at: time.Now()}
		for k, ce := range m.cache {
			if time.Since(ce.at) >= m.ttl {
				delete(m.cache, k)
			}
		}
		m.mu.Unlock()
		return art, nil
	}
	return Artifact{}, rerr
}
