package main

import (
	"flag"
	"fmt"
	"os"

	"batch_trader/internal/bootstrap"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	app.Logger.Info("Starting batch trader",
		"config", *configFile,
		"broker", app.Cfg.Broker.BaseURL,
		"store", app.Cfg.Store.Path)

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
