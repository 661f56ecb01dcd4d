// Package config loads the proxy configuration from a YAML file and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"

	manifest "github.com/always-cache/offline-proxy/pkg/asset-manifest"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Port to listen on.
	Port int `yaml:"port" env:"PORT"`
	// Origin URL of the application.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of the origin, if the origin URL is an IP address.
	Host string `yaml:"host" env:"HOST"`
	// Version tag of the cache.
	Version string `yaml:"version" env:"VERSION"`
	// Cache DB file name ("memory" for an in-memory cache).
	DB string `yaml:"db" env:"DB"`
	// Entry page served when offline.
	RootDocument string `yaml:"rootDocument" env:"ROOT_DOCUMENT"`
	// Assets to pre-cache, in order.
	Assets manifest.Manifest `yaml:"assets" env:"ASSETS" envSeparator:","`
	// File to read the assets from, instead of Assets.
	AssetManifest string `yaml:"assetManifest" env:"ASSET_MANIFEST"`
	// Number of assets fetched at the same time on install.
	InstallConcurrency int `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`
}

// EnvPrefix is the prefix of the environment variables overriding the config file.
const EnvPrefix = "OFFLINE_PROXY_"

func Default() Config {
	return Config{
		Port:               8080,
		DB:                 "offline-cache.db",
		RootDocument:       "/",
		InstallConcurrency: 4,
	}
}

// Load reads the config file, if given, on top of the defaults,
// and then applies the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// Manifest returns the assets to pre-cache.
func (c Config) Manifest() (manifest.Manifest, error) {
	if c.AssetManifest != "" {
		return manifest.Load(c.AssetManifest)
	}
	if err := c.Assets.Validate(); err != nil {
		return nil, err
	}
	return c.Assets, nil
}

// Validate checks the settings needed to run the proxy.
func (c Config) Validate() error {
	if c.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be an http or https URL: %s", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origins with paths are not supported: %s", c.Origin)
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
