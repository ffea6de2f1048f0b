// Package registry maps logical service names to network locations and
// answers lookups for authenticated services.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-pipeline/internal/cache"
	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/logging"
	"github.com/example/face-pipeline/internal/repository"
)

const (
	minPort = 1
	maxPort = 65535

	cacheKeyPrefix = "registry:location:"
)

// ServiceLocation is the public shape of a registry entry.
type ServiceLocation struct {
	ServiceName    string `json:"service_name" yaml:"service_name"`
	ServiceAddress string `json:"service_address" yaml:"service_address"`
	ServicePort    int    `json:"service_port" yaml:"service_port"`
}

// URL joins address and port. Addresses are stored with their scheme.
func (l ServiceLocation) URL() string {
	return fmt.Sprintf("%s:%d", strings.TrimRight(l.ServiceAddress, "/"), l.ServicePort)
}

// LookupResult splits requested names into found and missing. Every
// requested name, after trimming, appears in exactly one of Located and
// Missing; Located keeps request order.
type LookupResult struct {
	Found   map[string]ServiceLocation
	Located []ServiceLocation
	Missing []string
}

// Repository defines the persistence operations needed by the registry.
type Repository interface {
	Upsert(ctx context.Context, location *repository.ServiceLocation) error
	FindByName(ctx context.Context, name string) (*repository.ServiceLocation, error)
	FindByNames(ctx context.Context, names []string) ([]repository.ServiceLocation, error)
	List(ctx context.Context) ([]repository.ServiceLocation, error)
	Delete(ctx context.Context, name string) error
}

// Service implements registration and lookup.
type Service struct {
	repo     Repository
	cache    cache.Cache
	retrier  cache.Retrier
	cacheTTL time.Duration
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables a read-through location cache.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// NewService constructs a registry service.
func NewService(repo Repository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: logger.Named("registry"),
	}
	s.retrier = cache.DefaultRetrier(s.logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register upserts a location by name.
func (s *Service) Register(ctx context.Context, name, address string, port int) error {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	if name == "" {
		return failure.Invalid("Field \"service_name\" must be specified.")
	}
	if address == "" {
		return failure.Invalid("Field \"service_address\" must be specified.")
	}
	if port < minPort || port > maxPort {
		return failure.Invalid(fmt.Sprintf("Port must be in range <%d;%d>.", minPort, maxPort))
	}

	err := s.repo.Upsert(ctx, &repository.ServiceLocation{
		ServiceName:    name,
		ServiceAddress: address,
		ServicePort:    port,
	})
	if err != nil {
		s.logger.Error("failed to register service location", zap.String("service_name", name), zap.Error(err))
		return err
	}
	s.invalidate(ctx, name)
	s.logger.Info("service location registered",
		zap.String("service_name", name), zap.String("service_address", address), zap.Int("service_port", port))
	return nil
}

// Load registers every entry, logging and skipping the ones that fail.
// It returns the number of entries stored.
func (s *Service) Load(ctx context.Context, entries []ServiceLocation) (int, error) {
	stored := 0
	var errs []error
	for _, entry := range entries {
		if err := s.Register(ctx, entry.ServiceName, entry.ServiceAddress, entry.ServicePort); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.ServiceName, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

// Delete removes a location.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.repo.Delete(ctx, name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure.NotFound(fmt.Sprintf("Service %s does not exist.", name))
		}
		return err
	}
	s.invalidate(ctx, name)
	return nil
}

// List returns every location ordered by name.
func (s *Service) List(ctx context.Context) ([]ServiceLocation, error) {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ServiceLocation, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Authorize checks that caller is itself a registered service.
func (s *Service) Authorize(ctx context.Context, caller string) error {
	if strings.TrimSpace(caller) == "" {
		return failure.Unauthorized("Identity not recognised.")
	}
	if _, ok := s.find(ctx, []string{caller})[caller]; !ok {
		return failure.Unauthorized("Identity not recognised.")
	}
	return nil
}

// Lookup resolves names for caller. Names that cannot be resolved, for any
// reason, are reported missing; only an unrecognized caller is an error.
func (s *Service) Lookup(ctx context.Context, caller string, names []string) (LookupResult, error) {
	if err := s.Authorize(ctx, caller); err != nil {
		return LookupResult{}, err
	}

	requested := dedupe(names)
	lookup := make([]string, 0, len(requested))
	for _, name := range requested {
		if name != "" {
			lookup = append(lookup, name)
		}
	}
	found := s.find(ctx, lookup)
	result := LookupResult{
		Found:   found,
		Located: make([]ServiceLocation, 0, len(found)),
		Missing: []string{},
	}
	for _, name := range requested {
		if location, ok := found[name]; ok {
			result.Located = append(result.Located, location)
			continue
		}
		result.Missing = append(result.Missing, name)
	}
	return result, nil
}

func (s *Service) find(ctx context.Context, names []string) map[string]ServiceLocation {
	found := make(map[string]ServiceLocation, len(names))
	pending := make([]string, 0, len(names))
	for _, name := range names {
		if location, ok := s.cached(ctx, name); ok {
			found[name] = location
			continue
		}
		pending = append(pending, name)
	}
	if len(pending) == 0 {
		return found
	}

	rows, err := s.repo.FindByNames(ctx, pending)
	if err != nil {
		s.logger.Warn("lookup failed, reporting names as missing", zap.Strings("service_names", pending), zap.Error(err))
		return found
	}
	for _, row := range rows {
		location := fromRow(row)
		found[location.ServiceName] = location
		s.store(ctx, location)
	}
	return found
}

func (s *Service) cached(ctx context.Context, name string) (ServiceLocation, bool) {
	if s.cache == nil {
		return ServiceLocation{}, false
	}
	raw, err := s.retrier.Get(ctx, s.cache, name, "registry.cache_get", cacheKeyPrefix+name)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logging.WithOperation(s.logger, "registry.cache_get", name).Warn("failed to read cache", zap.Error(err))
		}
		return ServiceLocation{}, false
	}
	var location ServiceLocation
	if err := json.Unmarshal([]byte(raw), &location); err != nil {
		return ServiceLocation{}, false
	}
	return location, true
}

func (s *Service) store(ctx context.Context, location ServiceLocation) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(location)
	if err != nil {
		return
	}
	if err := s.retrier.Do(ctx, location.ServiceName, "registry.cache_set", func() error {
		return s.cache.Set(ctx, cacheKeyPrefix+location.ServiceName, string(payload), s.cacheTTL)
	}); err != nil {
		s.logger.Warn("failed to cache location", zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, name string) {
	if s.cache == nil {
		return
	}
	if err := s.retrier.Do(ctx, name, "registry.cache_del", func() error {
		return s.cache.Del(ctx, cacheKeyPrefix+name)
	}); err != nil {
		s.logger.Warn("failed to invalidate cached location", zap.Error(err))
	}
}

func fromRow(row repository.ServiceLocation) ServiceLocation {
	return ServiceLocation{
		ServiceName:    row.ServiceName,
		ServiceAddress: row.ServiceAddress,
		ServicePort:    row.ServicePort,
	}
}

// dedupe trims names and drops repeats. A blank name is kept once so it can
// be reported missing.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
