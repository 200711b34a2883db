package tftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/pin/tftp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var poolSaturated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pureboot_tftp_pool_saturated_total",
	Help: "TFTP read requests refused because the worker pool was full.",
})

// Config for the TFTP server.
type Config struct {
	Logger logr.Logger
	// BlockSize is the negotiated maximum block size, up to 65464.
	BlockSize int
	// Timeout is the per-transfer inactivity timeout.
	Timeout time.Duration
	// Workers bounds concurrent transfers. Requests beyond the bound are
	// refused so memory stays bounded under boot storms; clients
	// retransmit the RRQ on their own schedule.
	Workers int
}

// Serve runs the TFTP server on addr until ctx is done. Writes are always
// rejected.
func (c *Config) Serve(ctx context.Context, addr string, handlers HandlerMapping) error {
	mux := NewServeMux(c.Logger)
	for pattern, handler := range handlers {
		mux.Handle(pattern, handler)
	}

	workers := c.Workers
	if workers <= 0 {
		workers = 64
	}
	pool := make(chan struct{}, workers)

	read := func(filename string, rf io.ReaderFrom) error {
		select {
		case pool <- struct{}{}:
			defer func() { <-pool }()
		default:
			poolSaturated.Inc()
			return fmt.Errorf("worker pool saturated: %w", os.ErrDeadlineExceeded)
		}
		return mux.ServeTFTP(filename, rf)
	}

	server := tftp.NewServer(read, c.handleWrite)
	if c.Timeout > 0 {
		server.SetTimeout(c.Timeout)
	}
	if c.BlockSize > 0 {
		server.SetBlockSize(c.BlockSize)
	}
	server.SetHook(&transferStatsHook{log: c.Logger})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	return server.ListenAndServe(addr)
}

// handleWrite rejects TFTP PUT requests; the gateway is read-only.
func (c *Config) handleWrite(filename string, _ io.WriterTo) error {
	err := fmt.Errorf("access_violation: %w", os.ErrPermission)
	c.Logger.Error(err, "tftp write request rejected", "filename", filename)
	return err
}

// transferStatsHook logs transfer statistics through the tftp.Hook interface.
type transferStatsHook struct {
	log logr.Logger
}

func (h *transferStatsHook) OnSuccess(stats tftp.TransferStats) {
	h.log.Info("tftp transfer successful",
		"filename", stats.Filename,
		"remoteAddr", stats.RemoteAddr.String(),
		"duration", stats.Duration.String(),
		"datagramsSent", stats.DatagramsSent,
		"datagramsAcked", stats.DatagramsAcked,
		"mode", stats.Mode,
	)
}

func (h *transferStatsHook) OnFailure(stats tftp.TransferStats, err error) {
	h.log.Error(err, "tftp transfer failed",
		"filename", stats.Filename,
		"remoteAddr", stats.RemoteAddr.String(),
		"duration", stats.Duration.String(),
		"datagramsSent", stats.DatagramsSent,
		"datagramsAcked", stats.DatagramsAcked,
		"mode", stats.Mode,
	)
}
