// Package config loads and validates rwafd's runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds every recognised option from spec.md section 6.
type Config struct {
	RulesDir       string `koanf:"rules_dir" validate:"required"`
	BansFile       string `koanf:"bans_file" validate:"required"`
	WhitelistFile  string `koanf:"whitelist_file" validate:"required"`
	BannedPageFile string `koanf:"banned_page_file"`
	BaseDir        string `koanf:"base_dir" validate:"required"`

	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"required,gt=0,lt=65536"`

	APIKey string `koanf:"api_key" validate:"required"`

	ModuleThreads     int `koanf:"module_threads" validate:"gt=0"`
	DelayBanMinutes   int `koanf:"delay_ban_minutes" validate:"gt=0"`
	WindowSeconds     int `koanf:"window_seconds" validate:"gt=0"`
	WindowMaxRequests int `koanf:"window_max_requests" validate:"gt=0"`
	CacheMaxSize      int `koanf:"cache_maxsize" validate:"gt=0"`

	AntiHTTPGenericBF      bool `koanf:"anti_http_generic_bf"`
	EnableResponseFilter   bool `koanf:"enable_response_filter"`
	EnableRequestBodyCheck bool `koanf:"enable_request_body_check"`
	EnableResponseBodyCheck bool `koanf:"enable_response_body_check"`
}

// EnvAPIKeyVar is the environment variable that overrides Config.APIKey.
const EnvAPIKeyVar = "RWAF_API_KEY"

// Default returns the built-in configuration, matching the Python
// original's DEFAULT_CONFIG (app.py) field for field.
func Default() Config {
	base := "./data"
	return Config{
		RulesDir:                base + "/rules",
		BansFile:                base + "/bans/bans.json",
		WhitelistFile:           base + "/bans/whitelist.json",
		BannedPageFile:          "ban.html",
		BaseDir:                 base,
		Host:                    "0.0.0.0",
		Port:                    5000,
		APIKey:                  "incrustwerush.org",
		ModuleThreads:           10,
		DelayBanMinutes:         15,
		WindowSeconds:           10,
		WindowMaxRequests:       5,
		CacheMaxSize:            32,
		AntiHTTPGenericBF:       true,
		EnableResponseFilter:    true,
		EnableRequestBodyCheck:  true,
		EnableResponseBodyCheck: false,
	}
}

// Load reads path (if present) over the built-in defaults, applies the
// RWAF_API_KEY environment override, and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), json.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "RWAF_",
		TransformFunc: func(key, value string) (string, any) {
			return key, value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading env: %w", err)
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if v := os.Getenv(EnvAPIKeyVar); v != "" {
		out.APIKey = v
	}

	if err := validator.New().Struct(out); err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return out, nil
}

// AlertsDir is where date-partitioned alert journal files live.
func (c Config) AlertsDir() string { return c.BaseDir + "/alerts" }

// TrafficDir is where date-partitioned traffic journal files live.
func (c Config) TrafficDir() string { return c.BaseDir + "/traffic" }

// FlushInterval is the background persistence flush tick (spec.md
// section 5: 2-5s). The ban store and journals do not read it; each
// starts its flusher with its own 2s literal of the same value.
const FlushInterval = 2 * time.Second
