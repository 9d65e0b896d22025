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

var steps = map[string]func(context.Context, *vicon2gt.Pipeline) error{
	"inspect": vicon2gt.Inspect,
	"solve":   vicon2gt.Solve,
}

const validSteps = "inspect, solve"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	step := flag.String("step", "", "step to run: "+validSteps)
	export := flag.Bool("export", false, "write the state table and report after solve")
	flag.Parse()

	logger := logging.NewLogger("vicon2gt-cli")

	if *configPath == "" {
		logger.Fatal("-config flag is required")
	}
	if *step == "" {
		logger.Fatal("-step flag is required; valid steps: " + validSteps)
	}
	fn, ok := steps[*step]
	if !ok {
		logger.Fatalf("unknown step %q; valid steps: %s", *step, validSteps)
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

	logger.Infof("=== Running step: %s ===", *step)
	if err := fn(ctx, p); err != nil {
		logger.Fatal(err)
	}
	if *export && *step == "solve" {
		if err := vicon2gt.Export(ctx, p); err != nil {
			logger.Fatal(err)
		}
	}
	logger.Infof("Step %s completed successfully", *step)
}
