/*
 *    Copyright 2025 Jeff Galyan
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package waypoint

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable subset of Builder's settings: the fields a
// deployment typically varies per environment rather than hardcodes. See
// Builder.FromConfig.
type Config struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	ChunkMemoryLimit     int64         `yaml:"chunkMemoryLimit"`
	BossThreadPoolSize   int           `yaml:"bossThreadPoolSize"`
	WorkerThreadPoolSize int           `yaml:"workerThreadPoolSize"`
	ExecThreadPoolSize   int           `yaml:"execThreadPoolSize"`
	GracePeriod          time.Duration `yaml:"gracePeriod"`

	// TLSCertFile and TLSKeyFile, when both set, enable TLS on the listener
	// built from this Config (see Builder.FromConfig). Leave both empty to
	// serve plaintext, or call Builder.EnableSSL directly for a hand-built
	// tls.Config (e.g. a custom certificate source or mutual TLS).
	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`

	RateLimit struct {
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
		Redis string  `yaml:"redis"`
	} `yaml:"rateLimit"`

	Logging struct {
		Dir string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses a YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("waypoint: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("waypoint: parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
