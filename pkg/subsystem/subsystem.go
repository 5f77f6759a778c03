// Package subsystem wires the memory components together from a Config.
package subsystem

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotsetgreg/octomem/pkg/cache"
	"github.com/dotsetgreg/octomem/pkg/config"
	"github.com/dotsetgreg/octomem/pkg/diode"
	"github.com/dotsetgreg/octomem/pkg/graph"
	"github.com/dotsetgreg/octomem/pkg/logger"
	"github.com/dotsetgreg/octomem/pkg/router"
	"github.com/dotsetgreg/octomem/pkg/security"
	"github.com/dotsetgreg/octomem/pkg/vector"
)

// Subsystem holds every built component. Close releases them in reverse
// order of construction.
type Subsystem struct {
	Config    *config.Config
	Graph     *graph.Store
	Vectors   *vector.Arena
	Cache     *cache.Cache
	Issuer    *security.Issuer
	Verifier  *security.Verifier
	Sanitizer *security.Sanitizer
	Limiter   *security.RateLimiter
	Write     *diode.WriteDiode
	Read      *diode.ReadDiode
	Router    *router.Router

	redis *cache.RedisBackend
}

// New builds the subsystem. The signing key comes from the config or, when
// absent there, from the OS keyring.
func New(ctx context.Context, cfg *config.Config) (*Subsystem, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Subsystem{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	var err error
	if s.Graph, err = graph.Open(ctx, graphOptions(cfg)); err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}

	if s.Vectors, err = vector.NewArena(vector.Options{
		Dimensions:    cfg.Vector.Dimensions,
		HashBits:      cfg.Vector.HashBits,
		DefaultProbes: cfg.Vector.DefaultProbes,
		Seed:          cfg.Vector.Seed,
		Path:          cfg.VectorPath(),
		Compress:      cfg.Vector.Compress,
	}); err != nil {
		return nil, fmt.Errorf("open vector arena: %w", err)
	}

	cacheOpts := cache.Options{
		LocalMaxBytes: cfg.Cache.LocalMaxBytes,
		LookupTimeout: cfg.Cache.LookupTimeout(),
	}
	if cfg.Cache.RedisAddr != "" {
		rc := cache.DefaultRedisConfig()
		rc.Addr = cfg.Cache.RedisAddr
		rc.Password = cfg.Cache.RedisPassword
		rc.DB = cfg.Cache.RedisDB
		backend, err := cache.NewRedisBackend(ctx, rc)
		if err != nil {
			// The shared level is optional; the local level still serves.
			logger.WarnCF("subsystem", "Shared cache unavailable, using local cache only", map[string]interface{}{
				"addr":  rc.Addr,
				"error": err.Error(),
			})
		} else {
			s.redis = backend
			cacheOpts.Shared = backend
		}
	}
	if s.Cache, err = cache.New(cacheOpts); err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	key, err := security.LoadSigningKey(security.KeySource{
		Key:     cfg.Security.SigningKey,
		Service: cfg.Security.KeyringService,
		User:    cfg.Security.KeyringUser,
	})
	if err != nil {
		return nil, err
	}
	if s.Issuer, err = security.NewIssuer(key, cfg.Security.Issuer); err != nil {
		return nil, err
	}
	if s.Verifier, err = security.NewVerifier(key, cfg.Security.Issuer); err != nil {
		return nil, err
	}
	if s.Sanitizer, err = security.NewSanitizer(cfg.Security.Patterns); err != nil {
		return nil, err
	}
	s.Limiter = security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		IdleTTL:           cfg.RateLimit.IdleTTL(),
	})

	guard, err := diode.NewGuard(diode.GuardConfig{
		Verifier:  s.Verifier,
		Sanitizer: s.Sanitizer,
		Schema:    s.Graph.Schema(),
		AuditLog:  s.Graph,
		Limiter:   s.Limiter,
	})
	if err != nil {
		return nil, err
	}
	if s.Write, err = diode.NewWriteDiode(guard, s.Graph); err != nil {
		return nil, err
	}
	if s.Read, err = diode.NewReadDiode(guard, s.Graph, Policies(cfg)); err != nil {
		return nil, err
	}

	if s.Router, err = router.New(s.Verifier, s.Read, s.Vectors, router.Options{
		Cache:         s.Cache,
		GraphTTL:      cfg.Cache.GraphTTL(),
		VectorTTL:     cfg.Cache.VectorTTL(),
		BranchTimeout: cfg.Router.BranchTimeout(),
		DefaultLimit:  cfg.Router.DefaultLimit,
		MaxDepth:      cfg.Router.MaxDepth,
	}); err != nil {
		return nil, err
	}

	ok = true
	logger.InfoCF("subsystem", "Memory subsystem ready", map[string]interface{}{
		"graph_driver":   cfg.Graph.Driver,
		"shared_cache":   s.redis != nil,
		"vector_dims":    cfg.Vector.Dimensions,
		"pii_patterns":   len(s.Sanitizer.Types()),
		"arm_policies":   len(cfg.Policies),
		"rate_limit_rps": cfg.RateLimit.RequestsPerSecond,
	})
	return s, nil
}

func graphOptions(cfg *config.Config) graph.Options {
	opts := graph.Options{
		Driver:         cfg.Graph.Driver,
		DSN:            cfg.GraphDSN(),
		ReplicaDSN:     cfg.Graph.ReplicaDSN,
		MaxConnections: cfg.Graph.MaxConnections,
		AcquireTimeout: cfg.Graph.AcquireTimeout(),
	}
	if len(cfg.Graph.Schema) > 0 {
		schema := graph.DefaultSchema()
		for typ, required := range cfg.Graph.Schema {
			schema.Register(typ, required...)
		}
		opts.Schema = schema
	}
	return opts
}

// Policies exposes the configured arm read policies to the read diode.
func Policies(cfg *config.Config) diode.PolicySource {
	return func(arm string) (diode.Policy, bool) {
		p, ok := cfg.PolicyFor(arm)
		if !ok {
			return diode.Policy{}, false
		}
		return diode.Policy{EntityTypes: p.EntityTypes, Properties: p.Properties}, true
	}
}

func (s *Subsystem) Close() error {
	var errs []error
	if s.Cache != nil {
		s.Cache.Close()
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.Graph != nil {
		errs = append(errs, s.Graph.Close())
	}
	return errors.Join(errs...)
}
