// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/tessera-dev/tessera/config"
	"github.com/tessera-dev/tessera/manifest"
)

// loadConfig resolves the runtime configuration: --config wins,
// otherwise TESSERA_CONFIG names the file.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func kernelInfo(cfg *config.Config) manifest.KernelInfo {
	return manifest.KernelInfo{
		APIVersion:     cfg.Kernel.APIVersion,
		SchemaVersions: cfg.Kernel.SchemaVersions,
	}
}
