package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/XANi/cozy2prom/config"
	"github.com/XANi/cozy2prom/diag"
	"github.com/XANi/cozy2prom/explorer"
	"github.com/XANi/cozy2prom/overkiz"
	"github.com/XANi/cozy2prom/registry"
	"github.com/XANi/cozy2prom/web"
	"github.com/XANi/go-yamlcfg"
	"github.com/XANi/goneric"
	"github.com/efigence/go-mon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version string
var log *zap.SugaredLogger
var debug = true

func init() {
	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	// naive systemd detection. Drop timestamp if running under it
	if os.Getenv("JOURNAL_STREAM") != "" {
		consoleEncoderConfig.TimeKey = ""
	}
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return (lvl < zapcore.ErrorLevel) != (lvl == zapcore.DebugLevel && !debug)
	})
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, os.Stderr, lowPriority),
		zapcore.NewCore(consoleEncoder, os.Stderr, highPriority),
	)
	logger := zap.New(core)
	if debug {
		logger = logger.WithOptions(
			zap.Development(),
			zap.AddCaller(),
			zap.AddStacktrace(highPriority),
		)
	} else {
		logger = logger.WithOptions(
			zap.AddCaller(),
		)
	}
	log = logger.Sugar()
}

func main() {
	defer log.Sync()
	// register internal stats
	mon.RegisterGcStats()
	app := &cli.Command{
		Name:        "cozy2prom",
		Description: "Poll an Overkiz/Cozytouch cloud account, discover every device state it exposes and export them as prometheus metrics",
		Version:     version,
		HideHelp:    true,
	}
	log.Infof("Starting %s version: %s", app.Name, version)
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "help, h", Usage: "show help"},
		&cli.BoolFlag{Name: "debug, d", Usage: "enable debug logs"},
		&cli.StringFlag{Name: "config, c",
			Usage: "config file. Will be created if it does not exist",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "Listen addr",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("LISTEN_ADDR"),
			),
		},
		&cli.StringFlag{
			Name:  "server-url",
			Usage: "Overkiz-compatible API endpoint",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("OVERKIZ_SERVER_URL"),
			),
		},
		&cli.StringFlag{
			Name:  "username",
			Usage: "cloud account user",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("OVERKIZ_USERNAME"),
			),
		},
		&cli.StringFlag{
			Name:  "password",
			Usage: "cloud account password",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("OVERKIZ_PASSWORD"),
			),
		},
		&cli.IntFlag{
			Name:  "poll-interval",
			Usage: "seconds between device polls",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("POLL_INTERVAL"),
			),
		},
		&cli.StringFlag{
			Name:  "prometheus-write-url",
			Usage: "prometheus write protocol url",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("PROMETHEUS_WRITE_URL"),
			),
		},
		&cli.StringFlag{
			Name:  "prefix",
			Value: "",
			Usage: "prefix for metrics name",
		},
		&cli.StringFlag{
			Name:  "pprof-addr",
			Value: "",
			Usage: "address to run pprof on, disabled by default",
		},
		&cli.StringMapFlag{
			Name: "extra-labels",
			Value: map[string]string{
				"host": goneric.Must(os.Hostname()),
			},
			Usage: "comma separated key=value pairs of additional prometheus labels",
		},
	}
	app.Action = run
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	if c.Bool("help") {
		cli.ShowAppHelp(c)
		os.Exit(1)
	}
	cfg := config.Config{
		ListenAddress:      c.String("listen-addr"),
		ServerURL:          c.String("server-url"),
		Username:           c.String("username"),
		Password:           c.String("password"),
		PollInterval:       int(c.Int("poll-interval")),
		PrometheusWriteURL: c.String("prometheus-write-url"),
		PrometheusPrefix:   c.String("prefix"),
		ExtraLabels:        c.StringMap("extra-labels"),
		PProfAddress:       c.String("pprof-addr"),
		Debug:              c.Bool("debug"),
	}
	if c.String("config") != "" {
		err := yamlcfg.LoadConfig([]string{c.String("config")}, &cfg)
		if err != nil {
			log.Fatal(err)
		}
	}
	debug = cfg.Debug
	log.Debug("debug enabled")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:3002"
	}

	gateway, err := overkiz.NewHTTPClient(overkiz.Config{
		ServerURL: cfg.ServerURL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Logger:    log.Named("overkiz"),
	})
	if err != nil {
		log.Panicf("error setting up API client: %s", err)
	}
	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = gateway.Login(loginCtx)
	cancel()
	if err != nil {
		if overkiz.IsAuthError(err) {
			log.Fatalf("login failed, check credentials: %s", err)
		}
		// transport trouble at boot is fine, the poll loop will retry
		log.Warnf("initial login failed, will retry: %s", err)
	}

	promReg := prometheus.NewRegistry()
	tracker := explorer.NewTracker(cfg.EventBufferSize)
	coord := explorer.NewCoordinator(explorer.CoordinatorConfig{
		Gateway:     gateway,
		Logger:      log.Named("explorer"),
		Tracker:     tracker,
		Interval:    time.Duration(cfg.PollInterval) * time.Second,
		BackoffCap:  cfg.BackoffCap,
		MaxBackoff:  time.Duration(cfg.MaxBackoff) * time.Second,
		MaxFailures: cfg.MaxFailures,
		Metrics:     promReg,
	})
	reg, err := registry.New(registry.Config{
		Logger:             log.Named("registry"),
		Metrics:            promReg,
		PrometheusWriteURL: cfg.PrometheusWriteURL,
		Prefix:             cfg.PrometheusPrefix,
		ExtraLabels:        cfg.ExtraLabels,
	})
	if err != nil {
		log.Panicf("error setting up registry: %s", err)
	}
	coord.Subscribe(reg)

	if len(cfg.PProfAddress) > 0 {
		log.Infof("listening pprof on %s", cfg.PProfAddress)
		go func() {
			log.Errorf("failed to start debug listener: %s (ignoring)", http.ListenAndServe(cfg.PProfAddress, nil))
		}()
	}

	go coord.Run(ctx)
	mon.GlobalStatus.Update(mon.Ok, "running")

	w, err := web.New(web.Config{
		Logger:      log.Named("web"),
		ListenAddr:  cfg.ListenAddress,
		Coordinator: coord,
		Exporter: &diag.Exporter{
			Coordinator: coord,
			Tracker:     tracker,
			Registry:    reg,
		},
		Metrics: promReg,
		Debug:   debug,
	})
	if err != nil {
		log.Panicf("error starting web listener: %s", err)
	}
	return w.Run()
}
