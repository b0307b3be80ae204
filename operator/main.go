// SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// The operator runs the four reconciliation coordinators: observer, workspace
// controller, scheduler and event listener. Every replica starts all four;
// advisory-lock leader election bounds each coordinator type to one active
// instance across replicas.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/codehub/internal/activity"
	"go.corp.nvidia.com/codehub/internal/events"
	"go.corp.nvidia.com/codehub/internal/leader"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
	"go.corp.nvidia.com/codehub/internal/workspace"
	coordutils "go.corp.nvidia.com/codehub/operator/utils"
	"go.corp.nvidia.com/codehub/utils"
	"go.corp.nvidia.com/codehub/utils/logging"
	metrics "go.corp.nvidia.com/codehub/utils/metrics-go"
	"go.corp.nvidia.com/codehub/utils/postgres"
	"go.corp.nvidia.com/codehub/utils/progress_check"
	redisutils "go.corp.nvidia.com/codehub/utils/redis"
)

const (
	roleObserver      = "observer"
	roleController    = "workspace_controller"
	roleScheduler     = "scheduler"
	roleEventListener = "event_listener"
)

func main() {
	pgFlags := postgres.RegisterPostgresFlags()
	redisFlags := redisutils.RegisterRedisFlags()
	agentFlags := runtimeport.RegisterAgentFlags()
	metricsFlags := metrics.RegisterMetricsFlags("codehub-operator")

	operationTimeout := flag.Duration("operation-timeout",
		utils.GetEnvDuration("CODEHUB_OPERATION_TIMEOUT", 10*time.Minute),
		"How long an in-flight operation may run before it is declared failed")
	observeTimeout := flag.Duration("observe-timeout",
		utils.GetEnvDuration("CODEHUB_OBSERVE_TIMEOUT", 30*time.Second),
		"Timeout for one runtime observe call")
	maxParallel := flag.Int("max-parallel",
		utils.GetEnvInt("CODEHUB_MAX_PARALLEL", 8),
		"Per-tick runtime fan-out bound in the workspace controller")
	resourcePrefix := flag.String("resource-prefix",
		utils.GetEnv("CODEHUB_RESOURCE_PREFIX", "codehub-ws-"),
		"Prefix for workspace containers, volumes and archives")
	progressDir := flag.String("progress-dir",
		utils.GetEnv("CODEHUB_PROGRESS_DIR", ""),
		"Directory for per-coordinator liveness files; empty disables them")
	logLevel := flag.String("log-level",
		utils.GetEnv("CODEHUB_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(logging.NewServiceHandler("operator", parseLevel(*logLevel), os.Stdout))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsConfig := metricsFlags.ToMetricsConfig(); metricsConfig.Enabled {
		if err := metrics.InitMetricCreator(metricsConfig); err != nil {
			logger.Warn("Failed to initialize metrics, continuing without", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metrics.GetMetricCreator().Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to flush metrics on shutdown", "error", err)
				}
			}()
		}
	}

	pgConfig := pgFlags.ToPostgresConfig()
	connString := pgConfig.ConnectionString()

	redisClient, err := redisutils.NewRedisClient(ctx, redisFlags.ToRedisConfig(), logger)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	runtime := runtimeport.NewAgentClient(agentFlags.ToAgentConfig(), logger)
	activityStore := activity.NewStore(redisClient.Client())
	breakers := utils.NewBreakers(utils.DefaultBreakerConfig(), logger)

	// Each coordinator gets a dedicated connection: the advisory lock and
	// the tick writes must share one session.
	electors := map[string]*leader.Elector{}
	for _, role := range []string{roleObserver, roleController, roleScheduler, roleEventListener} {
		elector, err := leader.Connect(ctx, connString, role, logger)
		if err != nil {
			logger.Error("Failed to open election connection", "role", role, "error", err)
			os.Exit(1)
		}
		defer elector.Close(context.Background())
		electors[role] = elector
	}

	if err := workspace.Migrate(ctx, electors[roleObserver].Conn()); err != nil {
		logger.Error("Failed to apply schema", "error", err)
		os.Exit(1)
	}

	loopConfig := coordutils.DefaultLoopConfig()
	consumerBase := consumerName()

	observer := NewObserver(
		workspace.NewStore(electors[roleObserver].Conn(), logger),
		runtime, redisClient.Client(), *observeTimeout, logger)
	controller := NewController(
		workspace.NewStore(electors[roleController].Conn(), logger),
		runtime, activityStore, breakers,
		ControllerConfig{OperationTimeout: *operationTimeout, MaxParallel: *maxParallel},
		logger)
	controller.metrics = metrics.GetMetricCreator()
	scheduler := NewScheduler(
		workspace.NewStore(electors[roleScheduler].Conn(), logger),
		runtime, activityStore, redisClient.Client(),
		DefaultSchedulerConfig(*resourcePrefix), logger)
	listener := events.NewListener(
		events.DefaultListenerConfig(connString),
		redisClient.Client(), electors[roleEventListener], logger)

	newLoop := func(role string, wake *events.WakeConsumer, ticker coordutils.Ticker) *coordutils.Loop {
		loop := coordutils.NewLoop(loopConfig, electors[role], wake, ticker, logger)
		if *progressDir != "" {
			pw, err := progress_check.NewProgressWriter(filepath.Join(*progressDir, role))
			if err != nil {
				logger.Warn("Failed to create liveness file, continuing without",
					"role", role, "error", err)
			} else {
				loop.SetProgressWriter(pw)
			}
		}
		return loop
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wake := events.NewWakeConsumer(redisClient.Client(), events.TargetObserver,
			consumerBase+"-ob", logger)
		return newLoop(roleObserver, wake, observer).Run(gctx)
	})
	g.Go(func() error {
		wake := events.NewWakeConsumer(redisClient.Client(), events.TargetController,
			consumerBase+"-wc", logger)
		return newLoop(roleController, wake, controller).Run(gctx)
	})
	g.Go(func() error {
		wake := events.NewWakeConsumer(redisClient.Client(), events.TargetGC,
			consumerBase+"-gc", logger)
		return newLoop(roleScheduler, wake, scheduler).Run(gctx)
	})
	g.Go(func() error {
		return listener.Run(gctx)
	})

	logger.Info("Operator started",
		"resource_prefix", *resourcePrefix,
		"operation_timeout", *operationTimeout)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Coordinator failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Operator stopped gracefully")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "operator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
