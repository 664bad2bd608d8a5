package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brinelog/ingestd/api"
	"github.com/brinelog/ingestd/config"
	"github.com/brinelog/ingestd/crypto"
	"github.com/brinelog/ingestd/entity"
	"github.com/brinelog/ingestd/ingest"
	"github.com/brinelog/ingestd/ingest/decode"
	"github.com/brinelog/ingestd/ingest/queue"
	"github.com/brinelog/ingestd/sink"
	"github.com/brinelog/ingestd/storage"
)

func main() {
	cfgPath := flag.String("config", "./.config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("cannot load config: %w", err))
	}

	logger, err := cfg.ParseLogger()
	if err != nil {
		panic(fmt.Errorf("cannot create logger: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	policy := cfg.BuildConfiguration()

	registry, err := storage.Connect(ctx, cfg.Registry, policy)
	if err != nil {
		logger.Error("cannot connect to registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	// caps stays a nil entity.Capabilities (not a typed nil *crypto.Capabilities)
	// when unconfigured, so the decoder's `d.caps == nil` fail-closed check works.
	var caps entity.Capabilities
	if cfg.Crypto.SigningKeyPath != "" {
		keyPEM, err := os.ReadFile(cfg.Crypto.SigningKeyPath)
		if err != nil {
			logger.Error("cannot read signing key", "error", err)
			os.Exit(1)
		}
		c, err := crypto.New(registry, keyPEM)
		if err != nil {
			logger.Error("cannot initialize crypto capabilities", "error", err)
			os.Exit(1)
		}
		caps = c
	}

	logSink, err := sink.NewFileSink(sink.FileConfig{Path: cfg.Sink.Path}, logger, nil)
	if err != nil {
		logger.Error("cannot open sink", "error", err)
		os.Exit(1)
	}
	defer logSink.Close()
	go logSink.WatchRotation(ctx)

	rewriter := decode.NewLuaRewriter()
	for _, l := range cfg.Policy.Loggers {
		if l.LuaScriptPath != "" {
			rewriter.Register(l.ID, l.LuaScriptPath)
		}
	}

	q := queue.New()
	dispatcher := ingest.New(q, registry, logSink, caps, logger, decode.WithRewriter(rewriter.Rewrite))
	dispatcher.Start(ctx)

	ingress := ingest.NewIngress(q)
	listener := ingest.NewListener(cfg.Ingress.Addr, ingress, logger)

	apiServer, err := api.NewServer(cfg.API, logger, registry, func() api.DispatchStats {
		s := dispatcher.Stats()
		return api.DispatchStats{LastCycleItems: s.LastCycleItems, QueueDepth: s.QueueDepth}
	})
	if err != nil {
		logger.Error("cannot create api server", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 2)
	go func() { errChan <- listener.Serve(ctx) }()
	go func() { errChan <- apiServer.Serve(ctx) }()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	case <-ctx.Done():
	}

	dispatcher.Wait()
	logger.Info("server stopped")
}
