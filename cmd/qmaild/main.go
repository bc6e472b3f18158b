// Command qmaild runs the mail sync core headless: it keeps every
// configured account in sync and logs what the core publishes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/qmail/internal/app"
	"github.com/nhle/qmail/internal/credential"
	"github.com/nhle/qmail/internal/events"
	"github.com/nhle/qmail/internal/logging"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/store"
	"github.com/nhle/qmail/internal/telemetry"
	"github.com/nhle/qmail/internal/vault"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("qmaild stopped")
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := pflag.StringP("config", "c", model.DefaultConfigPath(), "path to the YAML config file")
	pflag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return err
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	creds, err := credential.Open(filepath.Dir(*configPath))
	if err != nil {
		return err
	}

	passphrase, err := creds.VaultPassphrase()
	if err != nil {
		return err
	}

	v, err := vault.Open(cfg.Store.VaultDir, passphrase)
	if err != nil {
		return err
	}
	defer v.Close()

	core, err := app.New(cfg, app.Deps{
		Store:       st,
		Vault:       v,
		Credentials: creds,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := core.Subscribe("")

	if err := core.Start(ctx); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"accounts": len(core.Accounts()),
		"store":    cfg.Store.Path,
	}).Info("qmaild started")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logEvents(ctx, sub)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sub.Close()
		core.Close()
		return nil
	})

	err = g.Wait()
	logrus.Info("qmaild stopped")

	return err
}

// logEvents writes every published event to the log until ctx ends.
func logEvents(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C():
			if !ok {
				return
			}

			log := logrus.WithField("account", ev.Account())

			switch ev := ev.(type) {
			case events.NewMessages:
				log.WithField("count", ev.Count).Info("New messages")
			case events.SyncError:
				log.WithError(ev.Err).WithField("kind", ev.Kind).Warn("Sync error")
			case events.AccountStopped:
				log.WithField("reason", ev.Reason).Error("Account sync stopped")
			case events.AccountStateChanged:
				log.WithField("phase", ev.State.Phase).Debug("Account state changed")
			case events.NetworkStatusChanged:
				logrus.WithField("online", ev.Online).Info("Network status changed")
			}
		}
	}
}
