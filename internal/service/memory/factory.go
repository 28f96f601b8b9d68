package memory

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Backend names accepted by New.
const (
	BackendNone     = "none"
	BackendEpisodic = "episodic"
	BackendGraph    = "graph"

	ModeDirect     = "direct"
	ModeCacheFirst = "cache_first"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Mode cache_first puts a search cache in front of the backend.
	Mode        string
	IndexPath   string
	SearchLimit int
	GraphURL    string
	GraphAPIKey string
	CacheSize   int
	CacheTTL    time.Duration
}

// New builds the configured provider. The returned closer releases backend resources and is never nil.
func New(cfg Config, logger *zap.Logger) (Provider, io.Closer, error) {
	var provider Provider
	switch cfg.Backend {
	case "", BackendNone:
		provider = Noop{}
	case BackendEpisodic:
		e, err := NewEpisodic(EpisodicOptions{Path: cfg.IndexPath, Limit: cfg.SearchLimit, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		provider = e
	case BackendGraph:
		g, err := NewGraph(GraphOptions{BaseURL: cfg.GraphURL, APIKey: cfg.GraphAPIKey, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		provider = g
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q (supported: none, episodic, graph)", cfg.Backend)
	}

	switch cfg.Mode {
	case "", ModeDirect:
	case ModeCacheFirst:
		if _, noop := provider.(Noop); !noop {
			provider = NewCached(provider, cfg.CacheSize, cfg.CacheTTL)
		}
	default:
		return nil, nil, fmt.Errorf("unknown memory mode %q (supported: direct, cache_first)", cfg.Mode)
	}

	return provider, closerFor(provider), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func closerFor(p Provider) io.Closer {
	if c, ok := p.(io.Closer); ok {
		return c
	}
	return closerFunc(func() error { return nil })
}
