// chatd is the chat server daemon plus the admin subcommands that edit its
// allowlist and pending files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/hannanrazzaghi/ironchat/internal/config"
	"github.com/hannanrazzaghi/ironchat/internal/hub"
	"github.com/hannanrazzaghi/ironchat/internal/monitoring"
	"github.com/hannanrazzaghi/ironchat/internal/rate"
	"github.com/hannanrazzaghi/ironchat/internal/server"
	"github.com/hannanrazzaghi/ironchat/internal/store"
)

// acceptGateTTL is how long an idle IP keeps its accept-gate bucket.
const acceptGateTTL = 10 * time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatd",
		Short:         "TLS line-oriented chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	addConfigFlags(root)
	root.AddCommand(newAllowCmd(), newPendingCmd())
	return root
}

// addConfigFlags registers the flag overrides shared by serve and the admin
// subcommands. Environment variables provide the defaults; flags win.
func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("bind", "", "listen address (overrides CHATD_BIND)")
	flags.String("cert", "", "TLS certificate file (overrides CHATD_CERT)")
	flags.String("key", "", "TLS key file (overrides CHATD_KEY)")
	flags.String("motd", "", "message of the day (overrides CHATD_MOTD)")
	flags.String("allowlist", "", "allowlist file (overrides CHATD_ALLOWLIST)")
	flags.String("pending", "", "pending file (overrides CHATD_PENDING)")
	flags.String("identities", "", "identities file (overrides CHATD_IDENTITIES)")
	flags.String("redis", "", "redis URL for identities and history (overrides CHATD_REDIS)")
	flags.String("metrics-addr", "", "prometheus endpoint address (overrides CHATD_METRICS_ADDR)")
	flags.Int("ip-rate", 0, "per-IP messages per second (overrides CHATD_IP_RATE)")
	flags.Int("conn-rate", 0, "per-connection messages per second (overrides CHATD_CONN_RATE)")
	flags.Int("idle-timeout", 0, "idle timeout in seconds, 0 disables (overrides CHATD_IDLE_TIMEOUT)")
}

// loadConfig reads the environment and applies any flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(&bootstrap)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"bind":         &cfg.Bind,
		"cert":         &cfg.CertFile,
		"key":          &cfg.KeyFile,
		"motd":         &cfg.MOTD,
		"allowlist":    &cfg.AllowlistPath,
		"pending":      &cfg.PendingPath,
		"identities":   &cfg.IdentitiesPath,
		"redis":        &cfg.RedisURL,
		"metrics-addr": &cfg.MetricsAddr,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	for name, dst := range map[string]*int{
		"ip-rate":      &cfg.IPRate,
		"conn-rate":    &cfg.ConnRate,
		"idle-timeout": &cfg.IdleTimeout,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return fmt.Errorf("TLS certificate and key are required (CHATD_CERT, CHATD_KEY)")
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	tlsCfg, err := server.LoadServerTLS(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return err
	}

	gate := &store.Gate{
		AllowlistPath: cfg.AllowlistPath,
		PendingPath:   cfg.PendingPath,
		Logger:        logger,
	}

	var (
		identities store.IdentityStore
		history    store.HistoryStore
	)
	if cfg.RedisURL != "" {
		rdb, err := store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		identities = store.NewRedisIdentityStore(rdb, logger)
		history = store.NewRedisHistory(rdb, store.HistoryBound)
		logger.Info().Msg("using redis-backed identities and history")
	} else {
		identities = store.NewFileIdentityStore(cfg.IdentitiesPath, logger)
		history = store.NewMemoryHistory(store.HistoryBound)
	}

	var acceptGate *rate.AcceptGate
	if cfg.AcceptRate > 0 {
		acceptGate = rate.NewAcceptGate(cfg.AcceptRate, cfg.AcceptBurst, acceptGateTTL, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go monitoring.ServeMetrics(cfg.MetricsAddr, logger)
		sampler, err := monitoring.NewSystemSampler(logger)
		if err != nil {
			logger.Warn().Err(err).Msg("system sampler unavailable")
		} else {
			go sampler.Run(ctx, cfg.MetricsInterval)
		}
	}

	srv := server.New(server.Config{
		Bind:        cfg.Bind,
		TLS:         tlsCfg,
		MOTD:        cfg.MOTD,
		IdleTimeout: time.Duration(cfg.IdleTimeout) * time.Second,
		Gate:        gate,
		Identities:  identities,
		History:     history,
		Hub:         hub.New(cfg.ConnRate, cfg.IPRate, logger),
		AcceptGate:  acceptGate,
		Logger:      logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// adminGate builds the Gate the admin subcommands operate on. They share the
// daemon's configuration so paths line up without extra flags.
func adminGate(cmd *cobra.Command) (*store.Gate, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return &store.Gate{
		AllowlistPath: cfg.AllowlistPath,
		PendingPath:   cfg.PendingPath,
		Logger:        zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}, nil
}

func newAllowCmd() *cobra.Command {
	allow := &cobra.Command{
		Use:   "allow",
		Short: "Manage the admission allowlist",
	}
	allow.AddCommand(
		&cobra.Command{
			Use:   "add <ip-or-cidr>",
			Short: "Allow an IP or network",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				gate, err := adminGate(cmd)
				if err != nil {
					return err
				}
				if err := gate.AddAllow(args[0]); err != nil {
					return err
				}
				fmt.Printf("allowed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <ip-or-cidr>",
			Short: "Remove an allowlist entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				gate, err := adminGate(cmd)
				if err != nil {
					return err
				}
				if err := gate.RemoveAllow(args[0]); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print allowlist entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				gate, err := adminGate(cmd)
				if err != nil {
					return err
				}
				entries, err := gate.ListAllow()
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Println(e)
				}
				return nil
			},
		},
	)
	return allow
}

func newPendingCmd() *cobra.Command {
	pending := &cobra.Command{
		Use:   "pending",
		Short: "Manage denied-connection records",
	}
	pending.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print pending IPs with attempt counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				gate, err := adminGate(cmd)
				if err != nil {
					return err
				}
				items, err := gate.ListPending()
				if err != nil {
					return err
				}
				for _, item := range items {
					fmt.Printf("%s\tattempts=%d\tfirst_seen=%s\tlast_seen=%s\n",
						item.IP,
						item.Entry.Attempts,
						time.Unix(item.Entry.FirstSeen, 0).Format(time.RFC3339),
						time.Unix(item.Entry.LastSeen, 0).Format(time.RFC3339),
					)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <ip>",
			Short: "Drop one IP from the pending list",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				gate, err := adminGate(cmd)
				if err != nil {
					return err
				}
				return gate.RemovePending(args[0])
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Empty the pending list",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				gate, err := adminGate(cmd)
				if err != nil {
					return err
				}
				return gate.ClearPending()
			},
		},
	)
	return pending
}
