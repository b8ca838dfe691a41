package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/validator-tools/keeper/chain"
	"github.com/validator-tools/keeper/config"
	"github.com/validator-tools/keeper/control"
	"github.com/validator-tools/keeper/election"
	"github.com/validator-tools/keeper/logger"
	"github.com/validator-tools/keeper/storage"
)

func newRunCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the election orchestrator loop",
	}
	cmd.Flags().String("log-level", "", "override the configured log level")
	cmd.Flags().Duration("tick-interval", 0, "override the orchestrator tick interval")
	cmd.Flags().Bool("force", false, "enter elections even when the node reports itself out of sync")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), *configPath, cmd)
	}
	return cmd
}

func run(ctx context.Context, configPath string, cmd *cobra.Command) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	serverKey, err := cfg.Control.ServerKey()
	if err != nil {
		return err
	}
	clientKey, err := cfg.Control.ClientKey()
	if err != nil {
		return err
	}
	session, err := control.Connect(ctx, cfg.Control.Address, serverKey, clientKey, &control.SessionOptions{
		ConnectTimeout: cfg.Control.ConnectTimeout,
		QueryTimeout:   cfg.Control.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to the node control channel: %w", err)
	}
	client := control.NewClient(session, nil, logger.With(log, "control"))
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close control session")
		}
	}()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	vehicle, err := cfg.Validator.Vehicle()
	if err != nil {
		return err
	}
	walletKey, err := config.LoadWalletKey(cfg.Validator.WalletKeysFile)
	if err != nil {
		return err
	}

	observer := chain.NewObserver(client, chain.JSONElectorDecoder{}, logger.With(log, "observer"))
	sender := election.NewWalletSender(client, election.BinaryTransferEncoder{}, walletKey, logger.With(log, "sender"))
	orchestrator, err := election.NewOrchestrator(client, observer, vehicle, sender, store,
		election.Options{
			StakeFactor:   cfg.Validator.StakeFactor,
			StartOffset:   cfg.Validator.Offsets.ElectionsStart,
			EndOffset:     cfg.Validator.Offsets.ElectionsEnd,
			DisableJitter: cfg.Validator.DisableRandomShift,
			Force:         cfg.Validator.Force,
		},
		logger.With(log, "orchestrator"),
	)
	if err != nil {
		return err
	}

	log.Info().
		Str("node", cfg.Control.Address).
		Str("vehicle", vehicle.Kind()).
		Msg("keeper started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(ctx, orchestrator, cfg.Validator.TickInterval, log)
	})
	return g.Wait()
}

// tickLoop drives the orchestrator at a fixed pace. On shutdown it waits for
// the in-flight atomic step to finish before returning.
func tickLoop(ctx context.Context, orchestrator *election.Orchestrator, interval time.Duration, log zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			guard := orchestrator.Guard()
			guard.Lock()
			guard.Unlock() //nolint:staticcheck
			log.Info().Msg("keeper stopped")
			return nil
		case <-ticker.C:
			switch err := orchestrator.Tick(ctx); {
			case err == nil:
			case errors.Is(err, context.Canceled):
			case errors.Is(err, election.ErrCycleAbandoned):
				log.Error().Err(err).Msg("election cycle abandoned")
			default:
				log.Warn().Err(err).Msg("tick failed, will retry")
			}
		}
	}
}
