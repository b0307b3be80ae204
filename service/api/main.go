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

// The api service is the boundary HTTP surface: workspace CRUD, start/stop
// intent, login sessions and the per-user SSE event stream.
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

	"go.corp.nvidia.com/codehub/internal/auth"
	"go.corp.nvidia.com/codehub/internal/workspace"
	"go.corp.nvidia.com/codehub/service/api/server"
	"go.corp.nvidia.com/codehub/utils"
	"go.corp.nvidia.com/codehub/utils/logging"
	"go.corp.nvidia.com/codehub/utils/postgres"
	redisutils "go.corp.nvidia.com/codehub/utils/redis"
)

func main() {
	pgFlags := postgres.RegisterPostgresFlags()
	redisFlags := redisutils.RegisterRedisFlags()
	serviceFlags := workspace.RegisterServiceFlags()

	listenAddr := flag.String("listen-addr",
		utils.GetEnv("CODEHUB_API_LISTEN_ADDR", ":8081"),
		"API listen address")
	sessionTTL := flag.Duration("session-ttl",
		utils.GetEnvDuration("CODEHUB_SESSION_TTL", 24*time.Hour),
		"Login session lifetime")
	adminUsername := flag.String("admin-username",
		utils.GetEnv("ADMIN_USERNAME", "admin"),
		"Admin account upserted on startup")
	adminPassword := flag.String("admin-password",
		utils.GetEnvOrConfig("ADMIN_PASSWORD", "admin_password", "qwer1234"),
		"Admin account password")
	logLevel := flag.String("log-level",
		utils.GetEnv("CODEHUB_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(logging.NewServiceHandler("api", parseLevel(*logLevel), os.Stdout))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	if err := workspace.Migrate(ctx, pgClient.Pool()); err != nil {
		logger.Error("Failed to apply schema", "error", err)
		os.Exit(1)
	}

	store := workspace.NewStore(pgClient.Pool(), logger)
	service := workspace.NewService(store, serviceFlags.ToServiceConfig(), logger)
	authStore := auth.NewStore(pgClient.Pool(), *sessionTTL, logger)

	if err := authStore.EnsureUser(ctx, *adminUsername, *adminPassword); err != nil {
		logger.Error("Failed to upsert admin account", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(server.DefaultConfig(), authStore,
		auth.NewLockout(0, 0), service, redisClient.Client(), logger)

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: srv.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API listening", "addr", *listenAddr)
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
		logger.Error("API failed", "error", err)
		os.Exit(1)
	}
	logger.Info("API stopped gracefully")
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
