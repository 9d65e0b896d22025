package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mfkiwl/vicon2gt"
	"github.com/mfkiwl/vicon2gt/internal/params"

	"go.viam.com/rdk/logging"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logging.NewLogger("vicon2gt")
	if *debug {
		logger = logging.NewDebugLogger("vicon2gt")
	}

	if *configPath == "" {
		logger.Fatal("-config flag is required")
	}
	file, err := params.Load(*configPath)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p, err := vicon2gt.NewPipeline(file, logger)
	if err != nil {
		logger.Fatal(err)
	}

	if err := vicon2gt.Run(ctx, p); err != nil {
		logger.Fatal(err)
	}
}
