package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dynamic guardrails persist as {id}.json files in a configured
// directory, so registrations survive restarts. The schema matches the
// registration body.

// LoadRepository loads every guardrail JSON file from dir into the
// registry. Missing directory is not an error: a fresh install simply has
// no dynamic guardrails yet.
func (r *Registry) LoadRepository(dir string) error {
	if dir == "" {
		log.Warn("Guardrail repo dir not configured, skipping file-based loading")
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Warnf("Guardrail repo not found at: %s", dir)
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read guardrail repo: %w", err)
	}

	loaded := 0
	errored := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.loadFile(path); err != nil {
			log.WithError(err).Errorf("Failed to load guardrail from: %s", path)
			errored++
			continue
		}
		loaded++
	}

	log.WithFields(log.Fields{
		"repo":   dir,
		"loaded": loaded,
		"errors": errored,
	}).Info("Guardrail repository loading complete")

	return nil
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	if cfg.RegisteredAt == "" {
		cfg.RegisteredAt = time.Now().UTC().Format(time.RFC3339)
	}
	return r.Register(&cfg)
}

// Persist writes a dynamic guardrail config to dir as {id}.json.
func Persist(cfg *Config, dir string) error {
	if dir == "" {
		return fmt.Errorf("guardrail repo dir not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create repo dir: %w", err)
	}
	if cfg.RegisteredAt == "" {
		cfg.RegisteredAt = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize guardrail: %w", err)
	}

	path := filepath.Join(dir, cfg.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	log.WithFields(log.Fields{
		"guardrail_id": cfg.ID,
		"file":         path,
	}).Info("Guardrail saved to repository")

	return nil
}

// Remove deletes the persisted file of a dynamic guardrail.
func Remove(id, dir string) error {
	if dir == "" {
		return fmt.Errorf("guardrail repo dir not configured")
	}
	path := filepath.Join(dir, id+".json")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("guardrail file not found: %s", id)
	}
	return os.Remove(path)
}

// StartAutoReload periodically re-reads the repo directory so guardrails
// dropped in by deploy tooling are picked up without a restart.
// Registration is idempotent by id, so re-loading is safe.
func (r *Registry) StartAutoReload(ctx context.Context, dir string, interval time.Duration) {
	if dir == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Infof("Guardrail auto-reload enabled: rescanning %s every %v", dir, interval)

	for {
		select {
		case <-ctx.Done():
			log.Info("Guardrail auto-reload stopped")
			return
		case <-ticker.C:
			if err := r.LoadRepository(dir); err != nil {
				log.WithError(err).Warn("Failed to reload guardrail repository")
			}
		}
	}
}
