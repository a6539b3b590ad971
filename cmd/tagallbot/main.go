// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command tagallbot runs a chat bot that answers ".tagall" in a group by
// mentioning every member. It keeps its session alive across failures,
// retrying on a fixed or exponential schedule until it is stopped.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/tagallbot/pkg/adminapi"
	"github.com/aiku/tagallbot/pkg/bot"
	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/config"
	"github.com/aiku/tagallbot/pkg/connector/matrix"
	"github.com/aiku/tagallbot/pkg/connector/mattermost"
	"github.com/aiku/tagallbot/pkg/connector/whatsapp"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	defaultConfigPath = "config.yaml"
	shutdownTimeout   = 15 * time.Second
)

var (
	configPath            = flag.MakeFull("c", "config", "The path to your config file.", defaultConfigPath).String()
	generateExampleConfig = flag.MakeFull("g", "generate-example-config", "Print the example config and quit.", "false").Bool()
	version               = flag.MakeFull("v", "version", "View bot version and quit.", "false").Bool()
	wantHelp, _           = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"tagallbot - mention every member of a group chat on command.",
		"tagallbot [-hgv] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("tagallbot %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	} else if *generateExampleConfig {
		fmt.Print(config.ExampleConfig)
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load .env file:", err)
	}

	// The default path may be absent; the environment can carry everything.
	cfg, err := config.Load(*configPath, *configPath == defaultConfigPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(11)
	}
	log, err := cfg.Logger()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(12)
	}

	if err := run(cfg, *log); err != nil {
		log.Error().Err(err).Msg("Bot stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(cfg, log)
	if err != nil {
		return err
	}
	b, err := bot.New(backend, bot.Options{
		CommandPrefix:    cfg.CommandPrefix,
		AttentionMessage: cfg.AttentionMessage,
		Retry:            cfg.RetryPolicy(),
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	var api *adminapi.Server
	if cfg.AdminAPIAddr != "" {
		api = adminapi.New(cfg.AdminAPIAddr, b, log)
		api.Start()
	}

	log.Info().
		Str("backend", backend.Name()).
		Str("version", Tag).
		Msg("Starting tagallbot")
	runErr := b.Run(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("Shutdown signal received")
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop admin API")
		}
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down session cleanly")
	}
	log.Info().Msg("Bot stopped")
	return runErr
}

func newBackend(cfg *config.Config, log zerolog.Logger) (chat.Backend, error) {
	switch cfg.Backend {
	case config.BackendWhatsApp:
		return whatsapp.New(whatsapp.Options{
			SessionDir:     cfg.WhatsApp.SessionDir,
			ClientID:       cfg.WhatsApp.ClientID,
			PairingTimeout: cfg.WhatsApp.PairingTimeout,
		}, log), nil
	case config.BackendMattermost:
		return mattermost.New(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, log), nil
	case config.BackendMatrix:
		client, err := matrix.New(cfg.Matrix.HomeserverURL, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
