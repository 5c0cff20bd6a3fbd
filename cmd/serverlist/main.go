package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"serverlist/internal/announce"
	"serverlist/internal/config"
	"serverlist/internal/geoip"
	"serverlist/internal/httpapi"
	"serverlist/internal/probe"
	"serverlist/internal/servers"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "serverlist",
		Short: "Game server list registry",
		Long: "Registry that lets game servers announce themselves over HTTP, " +
			"verifies their reachability over UDP and publishes a ranked list.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	root.AddCommand(serveCmd(), loadJSONCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the announce registry and list server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)

			geo, err := geoip.Open(cfg.GeoIPDatabase, log)
			if err != nil {
				return fmt.Errorf("open GeoIP database: %w", err)
			}
			defer geo.Close()

			clk := clock.New()
			store := servers.NewMemoryStore()
			tracker := servers.NewErrorTracker(clk)
			publisher := servers.NewPublisher(store, cfg.ListPath, clk, log)
			if err := publisher.Load(); err != nil {
				log.Warn().Err(err).Msg("could not restore list snapshot")
			}

			engine := servers.NewEngine(
				store, tracker, publisher,
				probe.New(log),
				geo,
				servers.NewBanList(cfg.BannedIPs, cfg.BannedServers),
				announce.ResolveUDP,
				clk, log,
				servers.Config{
					PopularityFactor:       cfg.PopularityFactor,
					AllowUpdateWithoutOld:  cfg.AllowUpdateWithoutOld,
					RejectPrivateAddresses: cfg.RejectPrivateAddresses,
					QueueSize:              cfg.ProbeQueueLen,
				},
			)
			engine.Start(cfg.ProbeWorkers)
			defer engine.Stop()

			sweeper := servers.NewSweeper(store, publisher, tracker, clk, log)
			sweeper.Interval = cfg.SweepInterval
			sweeper.PurgeTimeout = cfg.PurgeTimeout
			sweeper.OfflineRetention = cfg.OfflineRetention
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go sweeper.Run(ctx)

			mux := http.NewServeMux()
			httpapi.New(engine, geo, cfg.ListPath, log).Register(mux)

			log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
			return http.ListenAndServe(cfg.ListenAddr, mux)
		},
	}
}

// loadJSONCmd rebuilds the published snapshot from an existing list.json,
// re-ranking its entries. Useful when migrating from another list instance.
func loadJSONCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-json <file>",
		Short: "Seed the published list from a JSON snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc servers.ListDocument
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			clk := clock.New()
			now := clk.Now()
			store := servers.NewMemoryStore()
			for _, pub := range doc.List {
				store.Upsert(servers.FromPublic(pub, now))
			}

			publisher := servers.NewPublisher(store, cfg.ListPath, clk, log)
			if err := publisher.Load(); err != nil {
				log.Warn().Err(err).Msg("could not restore list snapshot")
			}
			if err := publisher.Publish(); err != nil {
				return err
			}
			log.Info().Int("servers", len(doc.List)).Str("path", cfg.ListPath).Msg("loaded servers")
			return nil
		},
	}
}
