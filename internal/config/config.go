// Package config loads the registry configuration from an optional YAML file
// and SERVERLIST_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Address for the HTTP API to listen on.
	ListenAddr string `mapstructure:"listen_addr"`

	// Path of the published list snapshot.
	ListPath string `mapstructure:"list_path"`

	LogLevel string `mapstructure:"log_level"`

	// Servers are marked offline when they have not announced for this long.
	// Servers announce every 5 minutes by default, so keep this above 300s.
	PurgeTimeout  time.Duration `mapstructure:"purge_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// Offline records are dropped entirely after this long.
	OfflineRetention time.Duration `mapstructure:"offline_retention"`

	// How strongly past client counts are weighted into the popularity over
	// the current count.
	PopularityFactor float64 `mapstructure:"popularity_factor"`

	// Creates server entries when a server sends an 'update' with no prior
	// 'start'. Only useful to repopulate the list after losing state; the
	// start-only fields (mods, mapgen, privs) stay missing until the next
	// real start.
	AllowUpdateWithoutOld bool `mapstructure:"allow_update_without_old"`

	// Reject private, loopback and reserved claimed addresses.
	RejectPrivateAddresses bool `mapstructure:"reject_private_addresses"`

	// Concurrent probe workers and the queued-announce cap.
	ProbeWorkers  int `mapstructure:"probe_workers"`
	ProbeQueueLen int `mapstructure:"probe_queue_len"`

	// Banned announcing IPs.
	BannedIPs []string `mapstructure:"banned_ips"`
	// Banned servers, as "host/port" pairs or bare lowercase hostnames.
	BannedServers []string `mapstructure:"banned_servers"`

	// DB-IP / MaxMind country .mmdb database; empty disables GeoIP.
	GeoIPDatabase string `mapstructure:"geoip_database"`
}

// Load reads the config file at path (optional, "" skips the file) on top of
// the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SERVERLIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("list_path", "list.json")
	v.SetDefault("log_level", "info")
	v.SetDefault("purge_timeout", 6*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("offline_retention", 7*24*time.Hour)
	v.SetDefault("popularity_factor", 0.9)
	v.SetDefault("allow_update_without_old", false)
	v.SetDefault("reject_private_addresses", true)
	v.SetDefault("probe_workers", 8)
	v.SetDefault("probe_queue_len", 256)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.PopularityFactor < 0 || c.PopularityFactor >= 1 {
		return nil, fmt.Errorf("popularity_factor must be in [0, 1)")
	}
	return &c, nil
}
