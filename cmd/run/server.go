package run

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/Mmx233/framelink/config"
	"github.com/Mmx233/framelink/metrics"
	"github.com/Mmx233/framelink/server"
	"github.com/Mmx233/framelink/transfer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Start server and save received files",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
)

// serverNode is a server hosting a file transfer receiver whose completed
// transfers land in a directory store.
type serverNode struct {
	srv   *server.Server
	ft    *transfer.FileTransfer
	store *transfer.DirStore
}

func slotPeer(slot int) string {
	return fmt.Sprintf("slot-%d", slot)
}

func newServerNode(cfg *config.Server, m *metrics.Metrics, logger zerolog.Logger) (*serverNode, error) {
	tr, err := cfg.Transport.Build(&logger)
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	store, err := transfer.NewDirStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	srv, err := server.New(cfg.Listen.IP, cfg.Listen.Port, cfg.MaxClients, reg, server.Options{
		ProbeInterval: cfg.ProbeInterval,
		RxBufferSize:  cfg.RxBufferSize,
		Transport:     tr,
		Logger:        &logger,
		Metrics:       m,
	})
	if err != nil {
		return nil, err
	}
	ft := transfer.New(transfer.Options{
		NewSink: store.NewSink,
		Logger:  &logger,
		Metrics: m,
	})

	srv.OnPacketReceived(func(ev server.PacketEvent) {
		if err := ft.OnPacketReceived(slotPeer(ev.Slot), ev.Packet); err != nil {
			logger.Warn().Err(err).Int("slot", ev.Slot).Msg("chunk rejected")
		}
	})
	srv.OnDisconnected(func(ev server.SlotEvent) {
		if n := ft.AbandonPeer(slotPeer(ev.Slot)); n > 0 {
			logger.Warn().Int("slot", ev.Slot).Int("transfers", n).Msg("peer left with unfinished transfers")
		}
	})
	ft.OnFileReceived(func(r transfer.Received) {
		path, receipt, err := store.Finalize(r)
		if err != nil {
			logger.Error().Err(err).Uint64("transfer_id", r.TransferID).Msg("finalize transfer failed")
			return
		}
		logger.Info().
			Str("file", path).
			Str("peer", receipt.Peer).
			Int64("size", receipt.Size).
			Str("sha256", receipt.SHA256).
			Msg("transfer saved")
	})

	return &serverNode{srv: srv, ft: ft, store: store}, nil
}

func (n *serverNode) Start() error {
	return n.srv.Start()
}

func (n *serverNode) Shutdown() {
	n.srv.Shutdown()
	_ = n.ft.Close()
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "server-cmd").Logger()

	// Load configuration
	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadServerConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, reg := newMetrics()
	stopMetrics := serveMetrics(cfg.MetricsAddr, reg, logger)
	defer stopMetrics()

	node, err := newServerNode(cfg, m, log.With().Str("com", "server").Logger())
	if err != nil {
		return err
	}
	logger.Info().
		Str("transport", cfg.Transport.Network).
		Str("output", node.store.Dir()).
		Msg("starting framelink server")
	if err := node.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("received shutdown signal")
	node.Shutdown()
	logger.Info().Msg("server stopped")
	return nil
}
