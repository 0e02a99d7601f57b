// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Review-relay holds one chat bot login per tenant and relays messages
// between sandboxed tenants and a human reviewer. Tenants reach it over
// HTTP and a websocket push channel; they never see a chat credential.
//
// Configuration is read from defaults, an optional YAML or JSONC file
// (--config), the environment (optionally seeded from --env-file), and
// flags, in increasing order of precedence.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/reviewrelay/lib/credential"
	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/secret"
	"github.com/bureau-foundation/reviewrelay/lib/version"
	"github.com/bureau-foundation/reviewrelay/messaging"
	"github.com/bureau-foundation/reviewrelay/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath        string
		envFile           string
		logLevel          string
		port              int
		credentialsStdin  bool
		sealedCredentials string
		ageIdentity       string
		storeToken        string
		showVersion       bool
	)

	flagSet := pflag.NewFlagSet("review-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML or JSONC config file")
	flagSet.StringVar(&envFile, "env-file", "", "load environment variables from this .env file before reading them")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides RELAY_LOG_LEVEL)")
	flagSet.IntVar(&port, "port", 0, "listen port (overrides PORT and RELAY_PORT)")
	flagSet.BoolVar(&credentialsStdin, "credentials-stdin", false, "read a CBOR {tenant: token} map from stdin")
	flagSet.StringVar(&sealedCredentials, "sealed-credentials", "", "age-encrypted YAML {tenant: token} file")
	flagSet.StringVar(&ageIdentity, "age-identity", "", "age identity file that opens --sealed-credentials")
	flagSet.StringVar(&storeToken, "store-token", "", "store a token read from stdin in the keyring for this tenant, then exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("review-relay")
		return nil
	}

	if envFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	config := relay.DefaultConfig()
	if configPath != "" {
		if err := config.LoadConfigFile(configPath); err != nil {
			return err
		}
	}
	if err := config.ApplyEnvironment(os.LookupEnv); err != nil {
		return err
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if port != 0 {
		config.Port = port
	}
	if sealedCredentials != "" {
		config.SealedCredentialsFile = sealedCredentials
	}
	if ageIdentity != "" {
		config.AgeIdentityFile = ageIdentity
	}

	if storeToken != "" {
		return storeKeyringToken(config, storeToken)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(config.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting review-relay",
		"version", version.Info(),
		"homeserver", config.HomeserverURL,
		"reviewer", config.Reviewer,
		"port", config.Port,
	)

	credentials, err := buildCredentials(config, credentialsStdin, logger)
	if err != nil {
		return err
	}
	defer credentials.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cursors, err := openCursors(ctx, config, logger)
	if err != nil {
		return err
	}
	defer cursors.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: config.HomeserverURL,
		Logger:        logger,
		UserAgent:     version.UserAgent("review-relay"),
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	hub := relay.NewHub(relay.HubConfig{
		PingInterval: time.Duration(config.PingInterval),
		Logger:       logger,
	})
	sessions, err := relay.NewSessionManager(relay.SessionManagerConfig{
		Client:          client,
		Credentials:     credentials,
		Cursors:         cursors,
		Notifier:        hub,
		Reviewer:        config.ReviewerID(),
		ReviewerAliases: config.ReviewerAliases,
		FetchWindow:     config.FetchWindow,
		LoginTimeout:    time.Duration(config.LoginTimeout),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	server, err := relay.NewServer(relay.ServerConfig{
		ListenAddress: config.ListenAddress(),
		Sessions:      sessions,
		Hub:           hub,
		Logger:        logger,
	})
	if err != nil {
		sessions.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	if err := server.Start(); err != nil {
		sessions.Close()
		return fmt.Errorf("starting server: %w", err)
	}

	tenants, err := startupTenants(config, credentials)
	if err != nil {
		logger.Warn("ignoring invalid tenant list", "error", err)
	}
	if len(tenants) > 0 {
		ready := sessions.Start(ctx, tenants)
		logger.Info("startup logins complete", "tenants", len(tenants), "ready", ready)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.ShutdownGrace))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildCredentials assembles the credential chain in lookup order: the
// stdin pipe, the sealed file, the plaintext file, the keyring, and the
// environment.
func buildCredentials(config *relay.Config, fromStdin bool, logger *slog.Logger) (credential.Chain, error) {
	var chain credential.Chain
	fail := func(err error) (credential.Chain, error) {
		chain.Close()
		return nil, err
	}

	if fromStdin {
		pipe, err := credential.ReadPipe(os.Stdin)
		if err != nil {
			return fail(err)
		}
		chain = append(chain, pipe)
		logger.Info("using credentials from stdin", "tenants", len(pipe.Tenants()))
	}

	if config.SealedCredentialsFile != "" {
		identity, err := secret.ReadFile(config.AgeIdentityFile)
		if err != nil {
			return fail(fmt.Errorf("reading age identity: %w", err))
		}
		sealed, err := credential.LoadSealedFile(config.SealedCredentialsFile, identity)
		identity.Close()
		if err != nil {
			return fail(err)
		}
		chain = append(chain, sealed)
		logger.Info("using sealed credential file",
			"path", config.SealedCredentialsFile,
			"tenants", len(sealed.Tenants()),
		)
	}

	if config.CredentialsFile != "" {
		file, err := credential.LoadFile(config.CredentialsFile)
		if err != nil {
			return fail(err)
		}
		chain = append(chain, file)
		logger.Info("using credential file", "path", config.CredentialsFile, "tenants", len(file.Tenants()))
	}

	if config.Keyring {
		ring, err := credential.OpenKeyring(config.KeyringDir, os.Getenv("RELAY_KEYRING_PASSPHRASE"))
		if err != nil {
			return fail(err)
		}
		chain = append(chain, &credential.KeyringSource{Ring: ring})
		logger.Info("using keyring credentials")
	}

	// Environment variables are visible in /proc/<pid>/environ; this is
	// the fallback for development.
	chain = append(chain, &credential.EnvSource{})
	return chain, nil
}

// startupTenants merges the configured tenant list with every tenant a
// listing credential source knows about.
func startupTenants(config *relay.Config, credentials credential.Chain) ([]ref.Tenant, error) {
	configured, err := config.TenantList()
	tenants := slices.Clone(configured)
	for _, tenant := range credentials.Tenants() {
		if !slices.Contains(tenants, tenant) {
			tenants = append(tenants, tenant)
		}
	}
	return tenants, err
}

func openCursors(ctx context.Context, config *relay.Config, logger *slog.Logger) (relay.CursorStore, error) {
	switch {
	case config.CursorRedisURL != "":
		cursors, err := relay.NewRedisCursors(ctx, config.CursorRedisURL)
		if err != nil {
			return nil, fmt.Errorf("opening cursor store: %w", err)
		}
		logger.Info("reply cursors kept in redis")
		return cursors, nil
	case config.CursorSQLitePath != "":
		cursors, err := relay.NewSQLiteCursors(config.CursorSQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening cursor store: %w", err)
		}
		logger.Info("reply cursors kept in sqlite", "path", config.CursorSQLitePath)
		return cursors, nil
	default:
		logger.Info("reply cursors kept in memory; a restart forgets what tenants have seen")
		return relay.NewMemoryCursors(), nil
	}
}

// storeKeyringToken provisions tenant's bot token into the keyring.
func storeKeyringToken(config *relay.Config, rawTenant string) error {
	tenant, err := ref.ParseTenant(rawTenant)
	if err != nil {
		return err
	}
	ring, err := credential.OpenKeyring(config.KeyringDir, os.Getenv("RELAY_KEYRING_PASSPHRASE"))
	if err != nil {
		return err
	}
	token, err := secretFromReader(os.Stdin)
	if err != nil {
		return err
	}
	defer token.Close()

	source := &credential.KeyringSource{Ring: ring}
	defer source.Close()
	if err := source.Store(tenant, token.Bytes()); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "stored token for %s (fingerprint %s)\n", tenant, credential.Fingerprint(token))
	return nil
}

// secretFromReader reads a single token to EOF into locked memory.
func secretFromReader(reader io.Reader) (*secret.Buffer, error) {
	data, err := io.ReadAll(reader)
	defer secret.Zero(data)
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("no token on stdin")
	}
	return secret.NewFromBytes(trimmed)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
