package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ysod-timeline/config"
	"ysod-timeline/core/appbootstrap"
	"ysod-timeline/core/utils"

	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath  = pflag.StringP("config", "c", "config.yaml", "path to the yaml config file")
		listen      = pflag.String("listen", "", "override listen address")
		printEnv    = pflag.Bool("print-env", false, "print supported environment variables and exit")
		migrateOnly = pflag.Bool("migrate-only", false, "apply database migrations and exit")
		verifyAll   = pflag.Bool("verify-all", false, "verify every stored timeline once and exit")
	)
	pflag.Parse()

	if *printEnv {
		fmt.Println(config.Usage())
		return
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	logger := utils.NewLoggerWithOptions(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := appbootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("startup: %v", err)
		os.Exit(1)
	}
	switch {
	case *migrateOnly:
		logger.Printf("migrations applied")
		_ = app.Close()
		return
	case *verifyAll:
		report, err := app.Scheduler().RunOnce(ctx)
		_ = app.Close()
		if err != nil {
			logger.Errorf("verify: %v", err)
			os.Exit(1)
		}
		_ = json.NewEncoder(os.Stdout).Encode(report)
		if len(report.Violations) > 0 {
			os.Exit(1)
		}
		return
	}
	if err := app.Run(ctx); err != nil {
		logger.Errorf("server: %v", err)
		os.Exit(1)
	}
}
