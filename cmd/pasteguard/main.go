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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pasteguard/internal/config"
	"pasteguard/internal/language"
	"pasteguard/internal/presidio"
	"pasteguard/internal/provider"
	"pasteguard/internal/proxy"
	"pasteguard/internal/requestlog"
	"pasteguard/internal/router"
)

func main() {
	configPath := flag.String("config", envDefault("PASTEGUARD_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	logCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	var store *requestlog.Store
	if cfg.RequestLog.Enabled {
		store, err = requestlog.Open(cfg.RequestLog.Path, log)
		if err != nil {
			log.Fatal("request log open failed", zap.Error(err))
		}
		defer store.Close()
	}

	var lang *language.Detector
	var pii *presidio.Client
	if cfg.PIIDetection.Enabled {
		pii = presidio.New(presidio.Options{
			BaseURL:        cfg.PIIDetection.PresidioURL,
			Entities:       cfg.PIIDetection.Entities,
			ScoreThreshold: cfg.PIIDetection.ScoreThreshold,
			Whitelist:      cfg.Masking.Whitelist,
		}, log)

		readyCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := pii.WaitReady(readyCtx, 30, 2*time.Second); err != nil {
			log.Warn("analyzer not reachable at startup, continuing", zap.Error(err))
		} else {
			probeLanguages(readyCtx, pii, cfg, log)
		}
		cancel()

		// Built after probing so the supported set reflects what the
		// analyzer can actually serve.
		lang = language.New(cfg.PIIDetection.Languages, cfg.PIIDetection.FallbackLanguage)
	}

	engine := router.New(cfg, lang, pii, log)
	server := proxy.NewServer(cfg, engine, provider.New(), pii, lang, store, log)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("pasteguard starting",
		zap.String("addr", httpServer.Addr),
		zap.String("mode", cfg.Mode),
		zap.Bool("pii_detection", cfg.PIIDetection.Enabled),
		zap.Bool("secrets_detection", cfg.SecretsDetection.Enabled))

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("stopped")
}

// probeLanguages drops configured languages the analyzer has no recognizers
// for, keeping the fallback regardless.
func probeLanguages(ctx context.Context, pii *presidio.Client, cfg *config.Config, log *zap.Logger) {
	kept := cfg.PIIDetection.Languages[:0]
	for _, l := range cfg.PIIDetection.Languages {
		supported, err := pii.LanguageSupported(ctx, l)
		if err != nil {
			log.Warn("language probe failed", zap.String("language", l), zap.Error(err))
			kept = append(kept, l)
			continue
		}
		if !supported && l != cfg.PIIDetection.FallbackLanguage {
			log.Warn("analyzer does not support configured language, dropping", zap.String("language", l))
			continue
		}
		kept = append(kept, l)
	}
	cfg.PIIDetection.Languages = kept
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
