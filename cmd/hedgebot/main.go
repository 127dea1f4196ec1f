// Package main is the interactive entry point of hedgebot.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/aristath/hedgebot/internal/config"
	"github.com/aristath/hedgebot/internal/database"
	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/events"
	"github.com/aristath/hedgebot/internal/exchange"
	"github.com/aristath/hedgebot/internal/hedge"
	"github.com/aristath/hedgebot/internal/history"
	"github.com/aristath/hedgebot/internal/input"
	"github.com/aristath/hedgebot/internal/locks"
	"github.com/aristath/hedgebot/internal/notify"
	"github.com/aristath/hedgebot/internal/prompt"
	"github.com/aristath/hedgebot/internal/reliability"
	"github.com/aristath/hedgebot/internal/scheduler"
	"github.com/aristath/hedgebot/internal/secrets"
	"github.com/aristath/hedgebot/internal/server"
	"github.com/aristath/hedgebot/internal/store"
	"github.com/aristath/hedgebot/internal/trading"
	"github.com/aristath/hedgebot/pkg/logger"
)

// terminalPrompter reads passphrases without echo.
type terminalPrompter struct{}

func (terminalPrompter) ReadPassphrase(text string) (string, error) {
	fmt.Fprint(os.Stderr, text+" ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
		File:   cfg.LogFile,
	})
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting hedgebot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		if errors.Is(err, prompt.ErrAborted) || errors.Is(err, context.Canceled) {
			log.Info().Msg("Stopped")
			return
		}
		log.Error().Err(err).Msg("Fatal error")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	bus := events.NewBus(log)

	st, err := store.Open(cfg.DatabasesDir(), store.Options{
		Shuffle: cfg.ShuffleWallets,
		OnProgress: func(p store.Progress) {
			// terminal title
			fmt.Fprintf(os.Stdout, "\033]0;[%d/%d]\007", p.ModulesDone, p.ModulesTotal)
			bus.Emit(events.ProgressUpdated, "store", &events.ProgressData{
				AccountsDone:  p.AccountsDone,
				AccountsTotal: p.AccountsTotal,
				ModulesDone:   p.ModulesDone,
				ModulesTotal:  p.ModulesTotal,
			})
		},
	}, log)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}

	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DatabasesDir(), "history.db"),
		Profile: database.ProfileLedger,
		Name:    "history",
	})
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer historyDB.Close()
	if err := historyDB.Migrate(history.Schema); err != nil {
		return fmt.Errorf("failed to migrate history database: %w", err)
	}
	repo := history.NewRepository(historyDB.Conn(), log)

	var sender notify.Sender
	if cfg.TelegramEnabled() {
		sender = notify.NewTelegram(cfg.TelegramToken, cfg.TelegramUserIDs)
	}
	notifier := notify.New(sender, notify.NewJournal(filepath.Join(cfg.DataDir, "logs", "reports.log")), log)
	defer func() {
		notifier.Wait()
		if err := notifier.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close report journal")
		}
	}()

	sim := exchange.NewSimulator(exchange.SimConfig{
		StartingBalance: cfg.DryRunBalance,
		Volatility:      cfg.DryRunVolatility,
		PassiveFillRate: 0.3,
	}, nil, log)
	venue := exchange.NewDryRun(sim, exchangeSettings(cfg), log)

	sched := scheduler.New(scheduler.Dependencies{
		Store:    st,
		Exchange: venue,
		Planner:  hedge.NewBalancer(nil),
		Locks:    locks.NewRegistry(),
		Notifier: notifier,
		Recorder: repo,
		Events:   bus,
	}, scheduler.Config{
		Threads:             cfg.Threads,
		SleepBetweenThreads: cfg.SleepBetweenThreads,
		SleepAfterAccount:   cfg.SleepAfterAccount,
	}, log)

	if cfg.StatusPort > 0 {
		srv := server.New(server.Config{
			Log:       log,
			Port:      cfg.StatusPort,
			DataDir:   cfg.DataDir,
			LogFile:   cfg.LogFile,
			Progress:  st,
			History:   repo,
			Databases: []*database.DB{historyDB},
			Bus:       bus,
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
		log.Info().Int("port", cfg.StatusPort).Msg("Status server started")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Status server shutdown failed")
			}
		}()
	}

	cron, err := startMaintenance(cfg, historyDB, bus, log)
	if err != nil {
		return err
	}
	defer cron.Stop()

	app := &app{
		cfg:      cfg,
		log:      log,
		store:    st,
		sched:    sched,
		unlocker: secrets.NewUnlocker(terminalPrompter{}, log),
		loader:   input.NewLoader(cfg.InputDir, log),
		menu:     prompt.NewMenu(os.Stdin, os.Stdout, domain.Side(cfg.HoldingSide)),
	}
	return app.loop(ctx)
}

// startMaintenance schedules the WAL checkpoint job and, when configured, the
// R2 backup job.
func startMaintenance(cfg *config.Config, historyDB *database.DB, bus *events.Bus, log zerolog.Logger) (*reliability.Cron, error) {
	cron := reliability.NewCron(log)
	dbs := []reliability.Checkpointer{historyDB}

	if err := cron.AddJob("0 0 * * * *", reliability.NewMaintenanceJob(dbs, cfg.DataDir, log)); err != nil {
		return nil, err
	}

	if b := cfg.Backup; b != nil && b.Enabled {
		client, err := reliability.NewR2Client(b.AccountID, b.AccessKeyID, b.SecretAccessKey, b.Bucket, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create R2 client: %w", err)
		}
		svc := reliability.NewR2BackupService(client, cfg.DatabasesDir(), dbs, bus, log)
		if err := cron.AddJob(b.Schedule, reliability.NewBackupJob(svc, b.RetentionDays, log)); err != nil {
			return nil, err
		}
		log.Info().Str("schedule", b.Schedule).Str("bucket", b.Bucket).Msg("R2 backups enabled")
	}

	cron.Start()
	return cron, nil
}

func exchangeSettings(cfg *config.Config) exchange.Settings {
	return exchange.Settings{
		Stake:      cfg.StakeRange,
		OpenTypes:  orderTypes(cfg.OpenOrderTypes),
		CloseTypes: orderTypes(cfg.CloseOrderTypes),
		Limits: trading.Settings{
			PollInterval:  time.Second,
			DiffBuy:       cfg.LimitDiffBuy,
			DiffSell:      cfg.LimitDiffSell,
			WaitBuy:       time.Duration(cfg.LimitWaitBuy) * time.Second,
			WaitSell:      time.Duration(cfg.LimitWaitSell) * time.Second,
			HoldingStep:   cfg.HoldingStep,
			HoldingOffset: cfg.HoldingOffset,
		},
		HoldSide:                domain.Side(cfg.HoldingSide),
		MinSellUSD:              cfg.MinSellUSD,
		SleepBetweenOrders:      cfg.SleepBetweenOrders,
		SleepBetweenOpenOrders:  cfg.SleepBetweenOpenOrders,
		SleepBetweenCloseOrders: cfg.SleepBetweenCloseOrders,
		PositionHold:            cfg.PositionHold,
	}
}

func orderTypes(names []string) []trading.OrderType {
	out := make([]trading.OrderType, 0, len(names))
	for _, n := range names {
		out = append(out, trading.OrderType(n))
	}
	return out
}

// app drives the menu loop.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *store.Store
	sched    *scheduler.Scheduler
	unlocker *secrets.Unlocker
	loader   *input.Loader
	menu     *prompt.Menu

	key *secrets.Key
}

func (a *app) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		mode, err := a.menu.Choose()
		if err != nil {
			return err
		}

		switch {
		case mode == prompt.ModeBack:
			continue
		case mode.IsRebuild():
			if err := a.rebuild(mode); err != nil {
				return err
			}
		default:
			result, err := a.runMode(ctx, mode)
			if err != nil {
				return err
			}
			if result == scheduler.ResultEnded {
				return nil
			}
		}
	}
}

func (a *app) rebuild(mode domain.Mode) error {
	accounts, err := a.loader.Accounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	key, err := a.unlocker.NewKey()
	if err != nil {
		return err
	}

	if mode == domain.ModeRebuildGroups {
		err = a.store.RebuildGroups(key, accounts, a.cfg.BidAmounts, a.cfg.PairAmount)
	} else {
		err = a.store.RebuildModules(key, accounts, a.cfg.BidAmounts)
	}
	if err != nil {
		return fmt.Errorf("failed to rebuild job store: %w", err)
	}
	a.key = key
	return nil
}

func (a *app) runMode(ctx context.Context, mode domain.Mode) (scheduler.Result, error) {
	if a.key == nil {
		sample, ok, err := a.store.SampleSecret()
		if err != nil {
			return scheduler.ResultAborted, err
		}
		if !ok {
			a.log.Error().Msg("Job store is empty, create it first")
			return scheduler.ResultAborted, nil
		}
		key, err := a.unlocker.Unlock(sample)
		if err != nil {
			return scheduler.ResultAborted, err
		}
		a.key = key
	}

	return a.sched.Run(ctx, mode, a.key)
}
