// Command npurt-sim drives a synthetic inference workload through the
// npurt core against an in-process mock driver, useful for exercising
// the batch-splitting and scheduling logic without a real accelerator
// fleet or driver daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accelrt/npurt"
	"github.com/accelrt/npurt/internal/logging"
)

func main() {
	var (
		batchSize  = flag.Int("batch", 5, "number of rows in the simulated request")
		numRounds  = flag.Int("rounds", 3, "number of Compute calls to run")
		duplicates = flag.Int("duplicates", 1, "num_duplicates for the simulated device")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := npurt.NewMockDriverClient()
	manager := npurt.NewDeviceManager(mock)
	dev, err := npurt.NewDevice(ctx, 0, mock, 1, *duplicates, nil, logger, npurt.NewMetrics())
	if err != nil {
		log.Fatalf("failed to carve out simulated device: %v", err)
	}

	addDeviceToManager(manager, dev)

	cfg := npurt.OperatorConfig{
		Artifact:        []byte("synthetic-compiled-artifact"),
		InputNames:      []string{"x"},
		InputDTypes:     []string{"float32"},
		InputShapes:     [][]int64{{2, 32}},
		InputBatchAxis:  []int{0},
		OutputNames:     []string{"y"},
		OutputDTypes:    []string{"float32"},
		OutputShapes:    [][]int64{{2, 16}},
		OutputBatchAxis: []int{0},
		DeviceIndex:     -1,
	}
	op := npurt.NewOperator(manager, cfg, logger, npurt.NewMetrics())

	logger.Info("starting simulated inference workload", "batch_size", *batchSize, "rounds", *numRounds, "duplicates", *duplicates)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for round := 0; round < *numRounds; round++ {
			inputs := []npurt.Tensor{{
				Name:  "x",
				DType: "float32",
				Shape: []int64{int64(*batchSize), 32},
				Data:  make([]byte, *batchSize*32*4),
			}}

			start := time.Now()
			outputs, err := op.Compute(ctx, inputs)
			if err != nil {
				logger.Error("compute failed", "round", round, "error", err.Error())
				continue
			}
			fmt.Printf("round %d: %d output rows in %s\n", round, outputs[0].Shape[0], time.Since(start))
		}
	}()

	select {
	case <-done:
		logger.Info("workload complete")
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	}

	manager.Shutdown(context.Background())
	os.Exit(0)
}

// addDeviceToManager appends dev to manager's device list. The manager's
// normal startup path carves devices out of env-derived policy itself;
// this simulator seeds one device directly since it never dials a real
// driver daemon.
func addDeviceToManager(manager *npurt.DeviceManager, dev *npurt.Device) {
	manager.SeedDevice(dev)
}
