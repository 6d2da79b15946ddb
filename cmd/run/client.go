package run

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mmx233/framelink/client"
	"github.com/Mmx233/framelink/config"
	"github.com/Mmx233/framelink/metrics"
	"github.com/Mmx233/framelink/transfer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Start client",
		Args:  cobra.NoArgs,
		RunE:  runClient,
	}

	sendFile string
)

func init() {
	clientCmd.Flags().StringVar(&sendFile, "send", "", "send this file once connected, then exit")
}

// clientNode wraps a client with restart backoff driven by its failure and
// disconnect events.
type clientNode struct {
	cfg    *config.Client
	c      *client.Client
	ft     *transfer.FileTransfer
	logger zerolog.Logger

	connected chan struct{}
	failed    chan error

	mu     sync.Mutex
	delay  time.Duration
	timer  *time.Timer
	closed bool
}

func newClientNode(cfg *config.Client, m *metrics.Metrics, logger zerolog.Logger) (*clientNode, error) {
	tr, err := cfg.Transport.Build(&logger)
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg.Address, cfg.Port, reg, client.Options{
		ProbeInterval:  cfg.ProbeInterval,
		RxBufferSize:   cfg.RxBufferSize,
		ConnectTimeout: cfg.ConnectTimeout,
		Transport:      tr,
		Logger:         &logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}

	n := &clientNode{
		cfg:       cfg,
		c:         c,
		ft:        transfer.New(transfer.Options{Logger: &logger, Metrics: m}),
		logger:    logger,
		connected: make(chan struct{}, 1),
		failed:    make(chan error, 1),
	}
	c.OnConnected(func(net.Addr) {
		n.mu.Lock()
		n.delay = 0
		n.mu.Unlock()
		select {
		case n.connected <- struct{}{}:
		default:
		}
	})
	c.OnFailedToConnect(n.restart)
	c.OnDisconnected(n.restart)
	return n, nil
}

func (n *clientNode) restart(reason error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if !n.cfg.Restart.Enabled {
		select {
		case n.failed <- reason:
		default:
		}
		return
	}
	n.delay = n.cfg.Restart.Next(n.delay)
	n.logger.Warn().Err(reason).Dur("delay", n.delay).Msg("connection lost, restarting")
	n.timer = time.AfterFunc(n.delay, func() {
		if err := n.c.Start(); err != nil && !errors.Is(err, client.ErrStopped) {
			n.logger.Error().Err(err).Msg("restart failed")
		}
	})
}

func (n *clientNode) Start() error {
	return n.c.Start()
}

// Connected fires after each successful connect, coalescing unread signals.
func (n *clientNode) Connected() <-chan struct{} {
	return n.connected
}

// Failed carries the first failure when restarts are disabled.
func (n *clientNode) Failed() <-chan error {
	return n.failed
}

func (n *clientNode) SendFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return n.ft.SendFile(f, n.c.Send, n.cfg.ChunkSize)
}

func (n *clientNode) Close() {
	n.mu.Lock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()

	n.c.Stop()
	n.c.Wait()
	_ = n.ft.Close()
}

func runClient(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "client-cmd").Logger()

	// Load configuration with validation
	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, reg := newMetrics()
	stopMetrics := serveMetrics(cfg.MetricsAddr, reg, logger)
	defer stopMetrics()

	node, err := newClientNode(cfg, m, log.With().Str("com", "client").Logger())
	if err != nil {
		return err
	}
	defer node.Close()

	logger.Info().Str("transport", cfg.Transport.Network).Msg("starting framelink client")
	if err := node.Start(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("received shutdown signal")
			return nil
		case err := <-node.Failed():
			return fmt.Errorf("connection failed: %w", err)
		case <-node.Connected():
			if sendFile == "" {
				continue
			}
			id, err := node.SendFile(sendFile)
			if err != nil {
				return err
			}
			logger.Info().Uint64("transfer_id", id).Str("file", sendFile).Msg("file sent")
			return nil
		}
	}
}
