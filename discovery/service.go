// Package discovery fetches, validates and caches SMART configuration
// documents published under /.well-known/smart-configuration.
package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"smartbff/registration"
	"smartbff/telemetry"
)

const maxDocumentSize = 1 << 20

// Options controls caching.
type Options struct {
	// CacheSize bounds the number of cached documents. Zero disables caching.
	CacheSize int64
	CacheTTL  time.Duration
}

// Service resolves discovery documents for registrations.
type Service struct {
	client  *http.Client
	cache   *ristretto.Cache[string, *Document]
	ttl     time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewService builds the service. A nil client falls back to http.DefaultClient.
func NewService(client *http.Client, opts Options, logger *slog.Logger, metrics *telemetry.Metrics) (*Service, error) {
	if client == nil {
		client = http.DefaultClient
	}
	s := &Service{
		client:  client,
		ttl:     opts.CacheTTL,
		logger:  logger,
		metrics: metrics,
	}
	if opts.CacheSize > 0 {
		counters := opts.CacheSize * 10
		if counters < 100 {
			counters = 100
		}
		cache, err := ristretto.NewCache(&ristretto.Config[string, *Document]{
			NumCounters:        counters,
			MaxCost:            opts.CacheSize,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create discovery cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Get returns the discovery document for reg. When the document fails
// validation the returned document is nil and errs lists the violations;
// invalid documents are never cached. Transport failures and non-2xx
// responses are returned as err.
func (s *Service) Get(ctx context.Context, reg *registration.Registration) (*Document, []string, error) {
	address := reg.MetadataURL()
	if s.cache != nil {
		if doc, ok := s.cache.Get(address); ok {
			s.metrics.DiscoveryLookup("hit")
			return doc, nil, nil
		}
	}

	raw, err := s.fetch(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	doc, errs, err := Parse(raw, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", address, err)
	}
	if len(errs) > 0 {
		s.metrics.DiscoveryLookup("invalid")
		s.logger.Warn("discovery_document_invalid", "registration_id", reg.ID, "address", address, "errors", errs)
		return nil, errs, nil
	}

	s.metrics.DiscoveryLookup("miss")
	if s.cache != nil {
		s.cache.SetWithTTL(address, doc, 1, s.ttl)
		s.cache.Wait()
	}
	return doc, nil, nil
}

// Invalidate drops any cached document for reg.
func (s *Service) Invalidate(reg *registration.Registration) {
	if s.cache != nil {
		s.cache.Del(reg.MetadataURL())
	}
}

// Close releases the cache's background goroutines.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func (s *Service) fetch(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document %s: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch discovery document %s: unexpected status %d", address, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read discovery document %s: %w", address, err)
	}
	return body, nil
}
