// Copyright 2024 The Gokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gokernel/core/admin"
)

// BootConfig is the YAML document "gokerneld run" loads, grounded on
// caddy's own Caddyfile/JSON config precedent of one document driving
// the whole boot: init program path and argv, and the admin endpoint's
// listen/rate-limit settings (SPEC_FULL.md's Configuration section).
type BootConfig struct {
	Hostname string       `yaml:"hostname"`
	Init     InitConfig   `yaml:"init"`
	Admin    admin.Config `yaml:"admin"`
	Debug    bool         `yaml:"debug"`
}

// InitConfig names the pid-1 program this core bootstraps at boot, the
// equivalent of a real kernel's init= boot parameter.
type InitConfig struct {
	ExePath string   `yaml:"exe_path"`
	Argv    []string `yaml:"argv"`
}

// DefaultBootConfig matches original_source's default init path
// (/sbin/init) with this core's own default admin listener.
func DefaultBootConfig() BootConfig {
	return BootConfig{
		Hostname: "gokernel",
		Init: InitConfig{
			ExePath: "/sbin/init",
			Argv:    []string{"/sbin/init"},
		},
		Admin: admin.DefaultConfig(),
	}
}

// LoadBootConfig reads and unmarshals path, falling back to
// DefaultBootConfig's values for any field path's document leaves zero.
func LoadBootConfig(path string) (BootConfig, error) {
	cfg := DefaultBootConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin = admin.DefaultConfig()
	}
	return cfg, nil
}
