package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override.
const envPrefix = "KAM_OFFLINE_"

type Config struct {
	// Address to listen on.
	Listen string `yaml:"listen" env:"LISTEN"`
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of the origin, if the origin URL is just an IP address.
	OriginHost string `yaml:"originHost" env:"ORIGIN_HOST"`
	// URL the controller is deployed at. Defaults to `<origin>/sw.js`.
	ScriptURL string `yaml:"scriptUrl" env:"SCRIPT_URL"`
	// Generation tag of the caches.
	Version   string   `yaml:"version" env:"VERSION"`
	Namespace string   `yaml:"namespace" env:"NAMESPACE"`
	Precache  []string `yaml:"precache" env:"PRECACHE" envSeparator:","`

	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`

	LogFile string `yaml:"logFile" env:"LOG_FILE"`
	Trace   bool   `yaml:"trace" env:"TRACE"`
}

type StorageConfig struct {
	// sqlite, memory or redis
	Provider string `yaml:"provider" env:"PROVIDER"`
	// SQLite file name, empty for an in-memory database.
	DB          string `yaml:"db" env:"DB"`
	RedisAddr   string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPrefix string `yaml:"redisPrefix" env:"REDIS_PREFIX"`
}

func defaultConfig() Config {
	return Config{
		Listen:    ":8080",
		Namespace: "kam-",
		Storage: StorageConfig{
			Provider:    "sqlite",
			DB:          "kam-offline.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "kam-offline:",
		},
	}
}

// loadConfig reads the config file, if any, over the defaults and applies the environment overrides.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// validate checks the config and fills in the derived defaults.
func (c *Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("please specify origin")
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin: %w", err)
	}
	if !originURL.IsAbs() || originURL.Host == "" {
		return fmt.Errorf("origin must be an absolute URL: %q", c.Origin)
	}
	if c.ScriptURL == "" {
		c.ScriptURL = originURL.Scheme + "://" + originURL.Host + "/sw.js"
	}
	// intercepted requests are addressed to the origin, so the controller must live there
	scriptURL, err := url.Parse(c.ScriptURL)
	if err != nil || !scriptURL.IsAbs() {
		return fmt.Errorf("script URL must be an absolute URL: %q", c.ScriptURL)
	}
	if !strings.EqualFold(scriptURL.Scheme, originURL.Scheme) || !strings.EqualFold(scriptURL.Host, originURL.Host) {
		return fmt.Errorf("script URL %q is not served by origin %q", c.ScriptURL, c.Origin)
	}
	switch c.Storage.Provider {
	case "sqlite", "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage provider: %s", c.Storage.Provider)
	}
	return nil
}
