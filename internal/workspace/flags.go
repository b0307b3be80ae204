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

package workspace

import (
	"flag"

	"go.corp.nvidia.com/codehub/utils"
)

// ServiceFlagPointers holds pointers to flag values for the workspace
// service configuration.
type ServiceFlagPointers struct {
	maxRunning        *int
	standbyTTLSeconds *int
	archiveTTLSeconds *int
	defaultImage      *string
}

// RegisterServiceFlags registers workspace-service flags. Returns pointers
// that should be converted to ServiceConfig after flag.Parse().
func RegisterServiceFlags() *ServiceFlagPointers {
	return &ServiceFlagPointers{
		maxRunning: flag.Int("max-running-per-user",
			utils.GetEnvInt("CODEHUB_MAX_RUNNING_PER_USER", 2),
			"Cap on concurrently running workspaces per user (0 disables)"),
		standbyTTLSeconds: flag.Int("standby-ttl-seconds",
			utils.GetEnvInt("CODEHUB_STANDBY_TTL_SECONDS", 300),
			"Default idle time before a running workspace demotes to standby"),
		archiveTTLSeconds: flag.Int("archive-ttl-seconds",
			utils.GetEnvInt("CODEHUB_ARCHIVE_TTL_SECONDS", 3600),
			"Default standby time before a workspace is archived"),
		defaultImage: flag.String("default-image",
			utils.GetEnv("CODEHUB_DEFAULT_IMAGE", "codehub/workspace:latest"),
			"Image used when a create request omits one"),
	}
}

// ToServiceConfig converts flag pointers to ServiceConfig.
// This should be called after flag.Parse().
func (p *ServiceFlagPointers) ToServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxRunningPerUser:        *p.maxRunning,
		DefaultStandbyTTLSeconds: *p.standbyTTLSeconds,
		DefaultArchiveTTLSeconds: *p.archiveTTLSeconds,
		DefaultImageRef:          *p.defaultImage,
	}
}
