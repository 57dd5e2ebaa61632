package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/songzhibin97/approval-engine/agent"
	"github.com/songzhibin97/approval-engine/config"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "redis host:port")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().Int("redis-db", 0, "redis database")
	cmd.Flags().Int("redis-pool-size", 10, "redis connection pool size")
	cmd.Flags().String("namespace", "approval", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "memory", "implementation of underline storage (memory|redis)")
	cmd.Flags().String("publisher-impl", "bus", "where status changes are published (bus|redis)")
	cmd.Flags().String("directory-impl", "static", "where role members are looked up (static|redis)")
	cmd.Flags().Int("machine-id", 1, "snowflake machine id of this node")
	cmd.Flags().String("log-level", "info", "log level")
	cmd.Flags().Bool("tracing", false, "export spans to stdout")
	cmd.Flags().Duration("graph-cache-ttl", 0, "how long parsed flow graphs are cached")
	cmd.Flags().Uint64("max-retries", 5, "reruns of a conflicting unit of work")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return err
			}
		}
	}

	c.cfg.RedisConfig.Addr = viper.GetString("redis-addr")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.DB = viper.GetInt("redis-db")
	c.cfg.RedisConfig.PoolSize = viper.GetInt("redis-pool-size")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.PublisherType = config.PublisherType(viper.GetString("publisher-impl"))
	c.cfg.DirectoryType = config.DirectoryType(viper.GetString("directory-impl"))
	c.cfg.Roles = viper.GetStringMapStringSlice("roles")
	c.cfg.MachineID = viper.GetInt("machine-id")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.Tracing = viper.GetBool("tracing")
	c.cfg.GraphCacheTTL = viper.GetDuration("graph-cache-ttl")
	c.cfg.MaxRetries = viper.GetUint64("max-retries")
	return c.cfg.Validate()
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	a, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	if err = a.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return a.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "approvald",
		Short:   "Approval flow engine over HTTP",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
