package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/fluxy/internal/config"
	"github.com/matheus3301/fluxy/internal/daemon"
	"github.com/matheus3301/fluxy/internal/paths"
	"go.uber.org/fx"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", paths.ConfigPath(), "path to config.toml")
	listenFlag := flag.String("listen", "", "gateway listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Resolve(*configFlag, paths.EnvPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Gateway.Listen = *listenFlag
	}

	instance := paths.ResolveInstance(*instanceFlag, cfg.DefaultInstance)
	if err := paths.ValidateName(instance); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Instance: instance, Config: cfg}),
	)

	app.Run()
}
