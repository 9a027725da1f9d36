package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojam/internal/config"
	"github.com/dropDatabas3/hellojam/internal/metrics"
	"github.com/dropDatabas3/hellojam/internal/observability/logger"
)

var version = "dev"

func main() {
	var (
		configPath = envOr("CONFIG_PATH", "")
		envFile    = ".env"
		envOnly    bool
	)

	var cfg *config.Config

	root := &cobra.Command{
		Use:           "hellojam",
		Short:         "Sesiones colaborativas de live coding (mesh con autoridad o crdt con presencia)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" && (fileExists(envFile) || envOnly) {
				_ = godotenv.Load(envFile)
			}
			var err error
			cfg, err = loadConfig(configPath, envOnly)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			logger.Init(logger.Config{
				Env:         cfg.App.Env,
				Level:       cfg.Log.Level,
				ServiceName: "hellojam",
				Version:     version,
			})
			if err := metrics.RegisterCollab(nil); err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "ruta a config.yaml (env CONFIG_PATH; fallback configs/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, "ruta a .env (si existe, se carga)")
	root.PersistentFlags().BoolVar(&envOnly, "env", false, "usar SOLO env (sin YAML)")

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(newBrokerCmd(cfgFn))
	root.AddCommand(newJoinCmd(cfgFn))
	root.AddCommand(newConfigCmd(cfgFn))

	if err := root.Execute(); err != nil {
		logger.L().Error("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfig(path string, envOnly bool) (*config.Config, error) {
	if envOnly {
		return config.LoadFromEnv()
	}
	if path == "" && fileExists("configs/config.yaml") {
		path = "configs/config.yaml"
	}
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func newConfigCmd(cfg func() *config.Config) *cobra.Command {
	var doPrint bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Muestra la configuración efectiva",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !doPrint {
				return cmd.Help()
			}
			printConfigSummary(cmd, cfg())
			return nil
		},
	}
	cmd.Flags().BoolVar(&doPrint, "print", false, "imprime config efectiva y termina")
	return cmd
}

func printConfigSummary(cmd *cobra.Command, c *config.Config) {
	redisPass := ""
	if c.Presence.Redis.Password != "" {
		redisPass = "***"
	}
	fmt.Fprintf(cmd.OutOrStdout(), `app.env=%s log.level=%s
session.design=%s session.lobby_id=%s session.username=%s
session.election_timeout=%s session.reconnect_backoff=%s session.connect_timeout=%s
session.sync_delay=%s session.max_election_rounds=%d
transport.broker_url=%s transport.dial_retries=%d
presence.kind=%s presence.ttl=%s presence.redis.addr=%s presence.redis.password=%s presence.redis.db=%d presence.redis.prefix=%s
broker.addr=%s metrics.addr=%s
`,
		c.App.Env, c.Log.Level,
		c.Session.Design, c.Session.LobbyID, c.Session.Username,
		c.Session.ElectionTimeout, c.Session.ReconnectBackoff, c.Session.ConnectTimeout,
		c.Session.SyncDelay, c.Session.MaxElectionRounds,
		c.Transport.BrokerURL, c.Transport.DialRetries,
		c.Presence.Kind, c.Presence.TTL, c.Presence.Redis.Addr, redisPass, c.Presence.Redis.DB, c.Presence.Redis.Prefix,
		c.Broker.Addr, c.Metrics.Addr,
	)
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
