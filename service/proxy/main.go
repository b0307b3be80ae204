/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// The proxy routes /w/{id}/... to the owning user's running workspace
// container, waking idle workspaces on the way.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/codehub/internal/activity"
	"go.corp.nvidia.com/codehub/internal/auth"
	"go.corp.nvidia.com/codehub/internal/runtimeport"
	"go.corp.nvidia.com/codehub/internal/workspace"
	"go.corp.nvidia.com/codehub/service/proxy/server"
	"go.corp.nvidia.com/codehub/utils"
	"go.corp.nvidia.com/codehub/utils/logging"
	metrics "go.corp.nvidia.com/codehub/utils/metrics-go"
	"go.corp.nvidia.com/codehub/utils/postgres"
	redisutils "go.corp.nvidia.com/codehub/utils/redis"
)

func main() {
	pgFlags := postgres.RegisterPostgresFlags()
	redisFlags := redisutils.RegisterRedisFlags()
	agentFlags := runtimeport.RegisterAgentFlags()
	serviceFlags := workspace.RegisterServiceFlags()
	metricsFlags := metrics.RegisterMetricsFlags("codehub-proxy")

	listenAddr := flag.String("listen-addr",
		utils.GetEnv("CODEHUB_PROXY_LISTEN_ADDR", ":8080"),
		"Proxy listen address")
	authCacheTTL := flag.Duration("auth-cache-ttl",
		utils.GetEnvDuration("CODEHUB_AUTH_CACHE_TTL", 3*time.Second),
		"How long session and ownership lookups are cached")
	authCacheSize := flag.Int("auth-cache-size",
		utils.GetEnvInt("CODEHUB_AUTH_CACHE_SIZE", 1000),
		"Entry cap for the session and ownership caches")
	sessionTTL := flag.Duration("session-ttl",
		utils.GetEnvDuration("CODEHUB_SESSION_TTL", 24*time.Hour),
		"Login session lifetime")
	logLevel := flag.String("log-level",
		utils.GetEnv("CODEHUB_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(logging.NewServiceHandler("proxy", parseLevel(*logLevel), os.Stdout))
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

	pgClient, err := postgres.NewPostgresClient(ctx, pgFlags.ToPostgresConfig(), logger)
	if err != nil {
		logger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pgClient.Close()

	redisClient, err := redisutils.NewRedisClient(ctx, redisFlags.ToRedisConfig(), logger)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	store := workspace.NewStore(pgClient.Pool(), logger)
	service := workspace.NewService(store, serviceFlags.ToServiceConfig(), logger)
	sessions := auth.NewStore(pgClient.Pool(), *sessionTTL, logger)
	runtime := runtimeport.NewAgentClient(agentFlags.ToAgentConfig(), logger)
	buffer := activity.NewBuffer(activity.DefaultBufferConfig(),
		activity.NewStore(redisClient.Client()), logger)

	config := server.DefaultConfig()
	config.AuthCacheTTL = *authCacheTTL
	config.AuthCacheSize = *authCacheSize
	srv := server.NewServer(config, sessions, service, runtime, buffer, logger)
	srv.SetMetrics(metrics.GetMetricCreator())

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buffer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("Proxy listening", "addr", *listenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Proxy failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Proxy stopped gracefully")
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
