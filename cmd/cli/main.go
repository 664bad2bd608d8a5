package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brinelog/ingestd/config"
	"github.com/brinelog/ingestd/entity"
	"github.com/brinelog/ingestd/storage"
	"github.com/google/uuid"
)

// cli is the admin tool for seeding the registry: the ingestion core never
// writes clients or tokens itself, so operators register them here before
// a client can authenticate against the server.
func main() {
	cfgPath := flag.String("config", "./.config.yaml", "path to config file")
	clientID := flag.String("client-id", "", "client id to register (defaults to a new uuid)")
	loggerID := flag.String("logger-id", "", "logger id to issue a token for")
	tokenValue := flag.String("token", "", "token value to issue (defaults to a new uuid)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	known := flag.Bool("known", true, "mark the client as known")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load config: %v\n", err)
		os.Exit(1)
	}

	if *loggerID == "" {
		fmt.Fprintln(os.Stderr, "-logger-id is required")
		os.Exit(1)
	}

	logger, err := cfg.ParseLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot create logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	registry, err := storage.Connect(ctx, cfg.Registry, cfg.BuildConfiguration())
	if err != nil {
		logger.Error("cannot connect to registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	id := *clientID
	if id == "" {
		id = uuid.NewString()
	}

	value := *tokenValue
	if value == "" {
		value = uuid.NewString()
	}

	client := entity.Client{
		ClientID:    id,
		DateCreated: time.Now(),
		Age:         24 * 365 * time.Hour,
		Known:       *known,
		Tokens: map[string]entity.Token{
			*loggerID: {Value: value, ExpiresAt: time.Now().Add(*ttl)},
		},
	}

	if err := registry.RegisterClient(ctx, client); err != nil {
		logger.Error("cannot register client", "error", err)
		os.Exit(1)
	}

	fmt.Printf("registered client_id=%s logger_id=%s token=%s expires_at=%s\n",
		id, *loggerID, value, client.Tokens[*loggerID].ExpiresAt.Format(time.RFC3339))
}
