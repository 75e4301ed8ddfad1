package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/velide/bridge/go/auth"
	"github.com/velide/bridge/go/config"
	"github.com/velide/bridge/go/ops"
	"github.com/velide/bridge/go/runtime"
)

// Config is the top-level configuration object of the bridge daemon.
var Config = new(struct {
	Bridge struct {
		ConfigPath string `long:"config" env:"CONFIG" default:"bridge.yaml" description:"Path of the bridge YAML configuration file"`
	} `group:"Bridge" namespace:"bridge" env-namespace:"BRIDGE"`

	Log ops.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	ops.InitLog(Config.Log)

	var cfg, err = config.Load(Config.Bridge.ConfigPath)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"integration": cfg.System.IntegrationName,
		"connector":   cfg.System.Connector,
		"endpoint":    cfg.API.BaseURL,
	}).Info("starting velide-bridge")

	orchestrator, err := runtime.New(cfg, clock.RealClock{})
	if err != nil {
		return err
	}

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err = orchestrator.Run(ctx); err != nil {
		if errors.Is(err, auth.ErrLoggedOut) {
			log.Error("no valid session; authenticate and restart the bridge")
		}
		return err
	}
	log.Info("velide-bridge stopped")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	parser.LongDescription = `
velide-bridge keeps a local Firebird-backed sales system and the Velide
delivery cloud in agreement: new sales become cloud deliveries, and
cancellations, route starts, and completions propagate in both directions.
`
	var _, err = parser.AddCommand("serve", "Serve the bridge daemon",
		"Run the synchronization daemon until signalled.", &cmdServe{})
	if err != nil {
		panic(err)
	}

	if _, err = parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
