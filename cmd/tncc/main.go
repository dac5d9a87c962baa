// Command tncc runs the client-side TNC runtime: it loads the configured
// IMC shared libraries, opens one session, and keeps the process alive
// until it is signaled to stop; it does not exit on its own when the
// handshake ends. How the resulting batches actually reach a TNCS is the transport
// layer's job and is out of scope here; this binary logs each flushed
// batch in its place.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginconfig"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/pluginhost"
	"github.com/eurolinux-enterprise-linux-sources/libtnc/internal/tncc"
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
		Use:   "tncc",
		Short: "Trusted Network Connect client runtime",
		RunE:  runTNCC,
	}
	cmd.Flags().String("config", pluginconfig.StdConfigPath, "path to the IMC configuration file")
	cmd.Flags().String("log-level", string(logger.InfoLevel), "log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", false, "emit logs as JSON")
	return cmd
}

func runTNCC(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	v.SetEnvPrefix("TNCC")
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

	entries, err := pluginconfig.ParseFile(ctx, v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load plugin config: %w", err)
	}

	host := pluginhost.New(pluginhost.SideIMC, nil)
	engine := tncc.New(host, func(_ context.Context, connID int, wire []byte) error {
		log.Info("flushed outgoing batch", "connection", connID, "bytes", len(wire))
		return nil
	})
	loaded := 0
	for _, entry := range entries {
		if entry.Kind != pluginconfig.KindIMC {
			continue
		}
		if _, err := host.Load(ctx, entry.Name, entry.Path); err != nil {
			log.Warn("failed to load IMC, continuing with remaining plugins", "name", entry.Name, "path", entry.Path, "err", err)
			continue
		}
		loaded++
	}
	log.Info("loaded IMCs", "count", loaded)

	connID, err := engine.BeginSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	log.Info("session started", "connection", connID)

	<-ctx.Done()
	log.Info("shutting down")
	engine.DeleteConnection(context.Background(), connID)
	host.TerminateAll(context.Background())
	return nil
}
