package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"busrpc/client"
	"busrpc/codec"
	"busrpc/config"
	"busrpc/loadbalance"
	"busrpc/middleware"
	"busrpc/transport"
	"busrpc/transport/redisbus"
)

type globalFlags struct {
	Bus        string
	Addr       string
	Codec      string
	Picker     string
	Timeout    time.Duration
	Retries    int
	Rate       float64
	Etcd       []string
	EtcdPrefix string
	LogFile    string
	LogLevel   string
}

var (
	flags  globalFlags
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "srfcall [flags] <service> <method> [json-param...]",
	Short: "Call a service over the message bus",
	Long: `srfcall opens a session with <service>, sends one request for <method>
and prints the content of the first result.

Each parameter is parsed as JSON; anything that is not valid JSON is sent
as a string. Domains and router name come from BUSRPC_* environment
variables, or from etcd when --etcd is given.`,
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(flags.LogLevel, flags.LogFile)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
	RunE: runCall,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.Bus, "bus", "redis", "bus to use: redis|tcp")
	pf.StringVar(&flags.Addr, "addr", "", "redis or hub address (default from BUSRPC_REDIS_ADDR, or localhost:7680 for tcp)")
	pf.StringVar(&flags.Codec, "codec", "json", "wire codec: json|binary")
	pf.StringVar(&flags.LogFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	pf.StringVar(&flags.LogLevel, "log-level", "warn", "log level: debug|info|warn|error")

	f := rootCmd.Flags()
	f.StringVar(&flags.Picker, "picker", "first", "domain picker: first|roundrobin|hash")
	f.DurationVar(&flags.Timeout, "timeout", client.DefaultAtomicTimeout, "how long to wait for the result")
	f.IntVar(&flags.Retries, "retries", 2, "retries for transient send failures")
	f.Float64Var(&flags.Rate, "rate", 0, "max sends per second, 0 for no limit")
	f.StringSliceVar(&flags.Etcd, "etcd", nil, "etcd endpoints to load configuration from")
	f.StringVar(&flags.EtcdPrefix, "etcd-prefix", config.DefaultEtcdPrefix, "etcd key prefix")

	rootCmd.AddCommand(hubCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	bus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	picker, err := newPicker(flags.Picker)
	if err != nil {
		return err
	}

	mws := []middleware.Middleware{middleware.Logging(logger)}
	if flags.Rate > 0 {
		mws = append(mws, middleware.RateLimit(flags.Rate, 1))
	}
	mws = append(mws,
		middleware.Retry(flags.Retries, 100*time.Millisecond),
		middleware.Timeout(10*time.Second),
	)

	c := client.NewClient(cfg, bus,
		client.WithLogger(logger),
		client.WithPicker(picker),
		client.WithMiddleware(mws...),
	)
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	params := make([]any, 0, len(args)-2)
	for _, a := range args[2:] {
		params = append(params, parseParam(a))
	}

	content, err := client.AtomicRequestTimeout(ctx, c, flags.Timeout, args[0], args[1], params...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(content))
	return nil
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	if len(flags.Etcd) == 0 {
		return config.FromEnv()
	}
	p, err := config.NewEtcdProvider(flags.Etcd, flags.EtcdPrefix)
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.Load(ctx)
}

func openBus(ctx context.Context, cfg *config.Config) (transport.Bus, error) {
	ct, err := codecType(flags.Codec)
	if err != nil {
		return nil, err
	}

	switch flags.Bus {
	case "redis":
		addr := flags.Addr
		if addr == "" {
			addr = cfg.RedisAddr
		}
		b, err := redisbus.New(redisbus.Config{
			Addr:      addr,
			KeyPrefix: cfg.RedisKeyPrefix,
			Codec:     ct,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		if err := b.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("redis %s: %w", addr, err)
		}
		return b, nil
	case "tcp":
		addr := flags.Addr
		if addr == "" {
			addr = defaultHubAddr
		}
		return transport.DialConnBus(ctx, addr, ct, logger)
	}
	return nil, fmt.Errorf("unknown bus %q", flags.Bus)
}

func codecType(name string) (codec.Type, error) {
	switch strings.ToLower(name) {
	case "json":
		return codec.TypeJSON, nil
	case "binary":
		return codec.TypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func newPicker(name string) (loadbalance.Picker, error) {
	switch name {
	case "first":
		return loadbalance.First{}, nil
	case "roundrobin":
		return &loadbalance.RoundRobin{}, nil
	case "hash":
		return loadbalance.NewConsistentHash(), nil
	}
	return nil, fmt.Errorf("unknown picker %q", name)
}

func parseParam(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
