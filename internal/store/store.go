package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/breaker"
	"github.com/ethicalzen/sentinel-gateway/internal/cache"
	"github.com/ethicalzen/sentinel-gateway/internal/config"
	"github.com/ethicalzen/sentinel-gateway/pkg/contracts"
)

// Error kinds surfaced by Resolve. The pipeline maps these onto HTTP
// statuses; Unavailable additionally depends on the fail-open policy.
var (
	ErrNotFound    = errors.New("contract not found")
	ErrRevoked     = errors.New("contract revoked")
	ErrExpired     = errors.New("contract expired")
	ErrInvalid     = errors.New("contract invalid")
	ErrUnavailable = errors.New("contract source unavailable")
)

// BreakerName identifies the contract registry in the circuit table.
const BreakerName = "contract_registry"

// ContractStore resolves contract ids to immutable contract documents,
// read-through: cache first, then the external registry over HTTP.
type ContractStore struct {
	cache    cache.Store
	breakers *breaker.Table
	client   *http.Client
	cfg      config.RegistryConfig
	ttl      time.Duration
}

// New creates a contract store backed by the given cache and breaker table.
func New(c cache.Store, b *breaker.Table, cfg config.RegistryConfig, cacheCfg config.CacheConfig) *ContractStore {
	return &ContractStore{
		cache:    c,
		breakers: b,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		cfg: cfg,
		ttl: time.Duration(cacheCfg.ContractTTLS) * time.Second,
	}
}

// Resolve returns the contract for id, or one of the package error kinds.
// A contract is only returned if it is enforceable right now: active
// status, inside its validity window, with a non-empty policy digest.
func (s *ContractStore) Resolve(ctx context.Context, id string) (*contracts.Contract, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	key := "contract:" + id

	var cached contracts.Contract
	hit, err := cache.GetJSON(ctx, s.cache, key, &cached)
	if err != nil {
		// Cache backend errors are treated as a miss: the source remains
		// authoritative, enforcement is never silently bypassed.
		log.WithError(err).WithField("contract_id", id).Warn("Contract cache read failed, falling through to source")
	}
	if hit {
		if err := s.checkValidity(&cached); err != nil {
			return nil, err
		}
		return &cached, nil
	}

	contract, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkValidity(contract); err != nil {
		return nil, err
	}

	if err := cache.SetJSON(ctx, s.cache, key, contract, s.ttl); err != nil {
		log.WithError(err).WithField("contract_id", id).Warn("Failed to cache contract")
	}

	return contract, nil
}

// fetch pulls the contract document from the registry through the circuit
// breaker. While the circuit is open, fetch returns Unavailable without
// issuing I/O.
func (s *ContractStore) fetch(ctx context.Context, id string) (*contracts.Contract, error) {
	res, err := s.breakers.Do(BreakerName, func() (interface{}, error) {
		url := fmt.Sprintf("%s/api/contracts/%s", s.cfg.URL, id)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if s.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", s.cfg.APIKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			// Not a dependency failure; must not trip the circuit.
			return (*contracts.Contract)(nil), nil
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(body))
		}

		var contract contracts.Contract
		if err := json.NewDecoder(resp.Body).Decode(&contract); err != nil {
			return nil, fmt.Errorf("failed to decode contract: %w", err)
		}
		return &contract, nil
	})

	if errors.Is(err, breaker.ErrOpen) {
		return nil, ErrUnavailable
	}
	if err != nil {
		log.WithError(err).WithField("contract_id", id).Warn("Contract source fetch failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	contract := res.(*contracts.Contract)
	if contract == nil {
		return nil, ErrNotFound
	}

	log.WithFields(log.Fields{
		"contract_id": contract.EffectiveID(),
		"status":      contract.Status,
		"guardrails":  len(contract.Guardrails),
	}).Debug("Contract fetched from registry")

	return contract, nil
}

func (s *ContractStore) checkValidity(c *contracts.Contract) error {
	now := time.Now()
	switch c.Status {
	case contracts.StatusRevoked:
		return ErrRevoked
	case contracts.StatusExpired:
		return ErrExpired
	case contracts.StatusActive:
		// fall through to the window check
	default:
		return fmt.Errorf("%w: status %q", ErrNotFound, c.Status)
	}
	if !now.Before(c.ExpiresAt) {
		return ErrExpired
	}
	if !c.IssuedAt.IsZero() && now.Before(c.IssuedAt) {
		return fmt.Errorf("%w: not yet issued", ErrInvalid)
	}
	if c.PolicyDigest == "" {
		return fmt.Errorf("%w: empty policy digest", ErrInvalid)
	}
	return nil
}
