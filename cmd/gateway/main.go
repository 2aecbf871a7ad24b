package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/api"
	"github.com/ethicalzen/sentinel-gateway/internal/breaker"
	"github.com/ethicalzen/sentinel-gateway/internal/cache"
	"github.com/ethicalzen/sentinel-gateway/internal/config"
	"github.com/ethicalzen/sentinel-gateway/internal/pipeline"
	"github.com/ethicalzen/sentinel-gateway/internal/store"
	"github.com/ethicalzen/sentinel-gateway/internal/upstream"
	"github.com/ethicalzen/sentinel-gateway/pkg/evaluator"
	"github.com/ethicalzen/sentinel-gateway/pkg/guardrail"
	"github.com/ethicalzen/sentinel-gateway/pkg/telemetry"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 invalid
// configuration, 3 required dependency unreachable at startup.
const (
	exitRuntime    = 1
	exitConfig     = 2
	exitDependency = 3
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	setupLogging(cfg.Logging)

	log.WithFields(log.Fields{
		"service":    cfg.Gateway.Name,
		"port":       cfg.Gateway.Port,
		"admin_port": cfg.Gateway.AdminPort,
		"registry":   cfg.Registry.URL,
	}).Info("🚀 Starting gateway")

	// Cache backend. Redis is a hard dependency when configured: serving
	// with a dead cache silently degrades every contract lookup.
	var cacheStore cache.Store
	if cfg.Cache.Backend == "redis" {
		redisStore, err := cache.NewRedis(cfg.Cache)
		if err != nil {
			log.WithError(err).Error("Redis unreachable")
			os.Exit(exitDependency)
		}
		cacheStore = redisStore
	} else {
		memStore, err := cache.NewMemory(cfg.Cache.MemorySize)
		if err != nil {
			log.WithError(err).Error("Failed to initialize memory cache")
			os.Exit(exitRuntime)
		}
		cacheStore = memStore
	}
	defer cacheStore.Close()

	breakers := breaker.NewTable(cfg.Breaker)

	registry := guardrail.NewRegistry()
	if err := registry.LoadRepository(cfg.Guardrails.RepoDir); err != nil {
		log.WithError(err).Warn("Guardrail repository load failed, continuing with built-ins")
	}
	reloadCtx, stopReload := context.WithCancel(context.Background())
	defer stopReload()
	go registry.StartAutoReload(reloadCtx, cfg.Guardrails.RepoDir,
		time.Duration(cfg.Guardrails.ReloadIntervalS)*time.Second)

	engine := evaluator.NewEngine(evaluator.Options{
		RegexTimeout:       time.Duration(cfg.Evaluator.RegexTimeoutMS) * time.Millisecond,
		KeywordTimeout:     time.Duration(cfg.Evaluator.KeywordTimeoutMS) * time.Millisecond,
		SmartTimeout:       time.Duration(cfg.Evaluator.SmartTimeoutMS) * time.Millisecond,
		LLMTimeout:         time.Duration(cfg.Evaluator.LLMTimeoutMS) * time.Millisecond,
		TAllow:             cfg.Smart.TAllow,
		TBlock:             cfg.Smart.TBlock,
		EmbeddingWeight:    cfg.Smart.EmbeddingWeight,
		LexicalWeight:      cfg.Smart.LexicalWeight,
		ReviewBlocksOutput: cfg.Smart.ReviewBlocksOutput,
		Embedder:           buildEmbedder(cfg),
		Judge:              buildJudge(cfg),
		Breakers:           breakers,
	})

	contractStore := store.New(cacheStore, breakers, cfg.Registry, cfg.Cache)
	forwarder := upstream.New(cfg.Upstream)

	sink := telemetry.NewPipeline(cfg.Telemetry)
	sink.Start()

	proxyPipeline := pipeline.New(cfg, cacheStore, contractStore, registry, engine, forwarder, sink)

	adminRouter := mux.NewRouter()
	api.New(cfg, registry, cacheStore, breakers, sink).RegisterRoutes(adminRouter)

	proxyServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler: proxyPipeline,
	}
	adminServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Gateway.AdminPort),
		Handler: adminRouter,
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", proxyServer.Addr).Info("🛡️  Enforcement listener ready")
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy listener: %w", err)
		}
	}()
	go func() {
		log.WithField("addr", adminServer.Addr).Info("🔧 Admin listener ready")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Error("Listener failed")
		sink.Close()
		os.Exit(exitRuntime)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	grace := time.Duration(cfg.Gateway.ShutdownGraceMS) * time.Millisecond

	// Stop accepting, drain in-flight requests, then flush telemetry last
	// so their records are not lost.
	if !proxyPipeline.Drain(grace) {
		log.Warn("Drain timeout reached, some requests were cut off")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	proxyServer.Shutdown(shutdownCtx)
	adminServer.Shutdown(shutdownCtx)

	stopReload()
	sink.Close()

	log.Info("👋 Gateway stopped")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func buildEmbedder(cfg *config.Config) evaluator.Embedder {
	if cfg.Evaluator.EmbeddingURL == "" {
		log.Info("No embedding backend configured, using deterministic hashing embedder")
		return evaluator.NewHashingEmbedder(0)
	}
	return evaluator.NewHTTPEmbedder(cfg.Evaluator.EmbeddingURL, cfg.Smart.EmbeddingModel,
		time.Duration(cfg.Evaluator.SmartTimeoutMS)*time.Millisecond)
}

func buildJudge(cfg *config.Config) evaluator.Judge {
	if cfg.Evaluator.JudgeURL == "" {
		log.Info("No judge model configured, llm_assisted guardrails fall back to lexical scoring")
		return nil
	}
	return evaluator.NewHTTPJudge(cfg.Evaluator.JudgeURL, "", cfg.Evaluator.JudgeAPIKey,
		time.Duration(cfg.Evaluator.LLMTimeoutMS)*time.Millisecond)
}
