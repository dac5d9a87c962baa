// Command tncs runs the server-side TNC runtime: it loads the configured
// IMV shared libraries, opens one connection, and keeps the process alive
// until it is signaled to stop. As with tncc, carrying batches across an
// actual wire is the transport layer's job and out of scope; nothing in
// this binary feeds incoming batches to the engine's ReceiveBatch, and
// the engine's transport callback only logs each batch it would send back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/aggregator"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/attrstore"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginconfig"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginhost"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/tncs"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tncs",
		Short: "Trusted Network Connect server runtime",
		RunE:  runTNCS,
	}
	cmd.Flags().String("config", pluginconfig.StdConfigPath, "path to the IMV configuration file")
	cmd.Flags().String("recommendation-policy", "all", "recommendation aggregation policy: all or any")
	cmd.Flags().Int("num-imvs", 1, "number of IMV slots the aggregator expects votes from")
	cmd.Flags().String("log-level", string(logger.InfoLevel), "log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", false, "emit logs as JSON")
	return cmd
}

func runTNCS(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	v.SetEnvPrefix("TNCS")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	log := logger.NewLogger(&logger.Config{
		Level: logger.LogLevel(v.GetString("log-level")),
		JSON:  v.GetBool("log-json"),
	})
	ctx := logger.ContextWithLogger(context.Background(), log)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	policy := aggregator.PolicyAll
	if v.GetString("recommendation-policy") == "any" {
		policy = aggregator.PolicyAny
	}

	entries, err := pluginconfig.ParseFile(ctx, v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load plugin config: %w", err)
	}

	host := pluginhost.New(pluginhost.SideIMV, nil)
	engine := tncs.New(host, attrstore.New(), policy, v.GetInt("num-imvs"), func(_ context.Context, connID int, wire []byte) error {
		log.Info("flushed outgoing batch", "connection", connID, "bytes", len(wire))
		return nil
	})

	loaded := 0
	for _, entry := range entries {
		if entry.Kind != pluginconfig.KindIMV {
			continue
		}
		if _, err := host.Load(ctx, entry.Name, entry.Path); err != nil {
			log.Warn("failed to load IMV, continuing with remaining plugins", "name", entry.Name, "path", entry.Path, "err", err)
			continue
		}
		loaded++
	}
	log.Info("loaded IMVs", "count", loaded)

	connID := engine.NewConnection(ctx, nil)
	log.Info("connection ready", "connection", connID)

	<-ctx.Done()
	log.Info("shutting down")
	engine.DeleteConnection(context.Background(), connID)
	host.TerminateAll(context.Background())
	return nil
}
