package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	colorfulprint "github.com/Asort97/marzbanBot/clients/colorfulPrint"
	marzban "github.com/Asort97/marzbanBot/clients/marzban"
	sqlite "github.com/Asort97/marzbanBot/clients/sqLite"
	"github.com/Asort97/marzbanBot/clients/transport"
	yookassa "github.com/Asort97/marzbanBot/clients/yooKassa"
	"github.com/Asort97/marzbanBot/config"
	"github.com/Asort97/marzbanBot/subscription"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// long polling holds a request open for up to pollTimeout seconds
const pollTimeout = 60

var rootCmd = &cobra.Command{
	Use:          "marzbanbot",
	Short:        "Telegram bot selling VPN subscriptions",
	Long:         `marzbanbot sells VPN subscriptions in Telegram, takes payments through YooKassa and issues keys from a Marzban panel.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBot(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot and the expiry sweep (default)",
	RunE:  rootCmd.RunE,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Revoke expired subscriptions once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSweep(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "marzbanbot %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	colorfulprint.Init(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newReconciler(cfg *config.Config, store *sqlite.Store, returnURL string, notifier subscription.ExpiryNotifier) *subscription.Reconciler {
	httpClient := transport.NewHTTPClient(cfg.RemoteTimeout)

	kassa := yookassa.New(cfg.YooKassaStoreID, cfg.YooKassaAPIKey,
		yookassa.WithBaseURL(cfg.YooKassaAPIURL),
		yookassa.WithHTTPClient(httpClient),
	)
	panel := marzban.New(cfg.MarzbanURL, cfg.MarzbanUsername, cfg.MarzbanPassword, httpClient)

	return subscription.New(store, yooKassaGateway{client: kassa}, marzbanProvisioner{client: panel}, subscription.Options{
		ReturnURL:     returnURL,
		CallTimeout:   cfg.RemoteTimeout,
		SweepInterval: cfg.SweepInterval,
		Notifier:      notifier,
	})
}

func newBotAPI(cfg *config.Config) (*tgbotapi.BotAPI, error) {
	client := transport.NewHTTPClient(pollTimeout*time.Second + cfg.RemoteTimeout)
	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, colorfulprint.PrintError("connect to telegram", err)
	}
	return api, nil
}

// defaultReturnURL sends the user back to the bot after paying.
func defaultReturnURL(botName string) string {
	return "https://t.me/" + botName + "?start=%d"
}

func runBot(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return colorfulprint.PrintError("open database", err)
	}
	defer store.Close()

	api, err := newBotAPI(cfg)
	if err != nil {
		return err
	}
	log.Info().Str("bot", api.Self.UserName).Str("version", Version).Msg("bot authorized")

	returnURL := cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = defaultReturnURL(api.Self.UserName)
	}

	reconciler := newReconciler(cfg, store, returnURL, chatNotifier{bot: api})
	bot := NewBot(api, reconciler, cfg.SupportContact)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := api.GetUpdatesChan(u)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		bot.Run(gctx, updates)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		api.StopReceivingUpdates()
		return nil
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr)
		})
	}

	colorfulprint.PrintState("Бот успешно запущен!")
	err = g.Wait()
	log.Info().Msg("bot stopped")
	return err
}

func runSweep(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return colorfulprint.PrintError("open database", err)
	}
	defer store.Close()

	var notifier subscription.ExpiryNotifier
	if api, err := newBotAPI(cfg); err == nil {
		notifier = chatNotifier{bot: api}
	} else {
		log.Warn().Err(err).Msg("users will not be notified about expiry")
	}

	report, err := newReconciler(cfg, store, "", notifier).SweepExpired(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("checked", report.Checked).
		Int("revoked", report.Revoked).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("sweep finished")
	return nil
}
