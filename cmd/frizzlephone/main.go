// Command frizzlephone runs the SIP/RTP UAS: a single-process server that
// answers INVITEs, plays a PCMU audio buffer over RTP, and tears the call
// down when the buffer is exhausted or the peer sends BYE/CANCEL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frizzle-chan/frizzlephone/internal/audio"
	"github.com/frizzle-chan/frizzlephone/internal/banner"
	"github.com/frizzle-chan/frizzlephone/internal/config"
	"github.com/frizzle-chan/frizzlephone/internal/dialog"
	"github.com/frizzle-chan/frizzlephone/internal/logging"
)

func main() {
	cfg := config.Load()

	logging.Init(logging.Default(), cfg.LogLevel)

	routes, err := cfg.LoadAudioRoutes()
	if err != nil {
		slog.Error("failed to load audio routes", "error", err)
		os.Exit(1)
	}

	var demoBuf []byte
	if cfg.Demo {
		demoBuf = audio.Silence(3000)
	}
	router, err := audio.NewRouter(routes, demoBuf)
	if err != nil {
		slog.Error("failed to build audio router", "error", err)
		os.Exit(1)
	}

	conn, err := net.ListenPacket("udp", net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.SIPPort)))
	if err != nil {
		slog.Error("failed to bind SIP socket", "error", err)
		os.Exit(1)
	}

	banner.Print("FRIZZLEPHONE", []banner.ConfigLine{
		{Label: "SIP Listen", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.SIPPort)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP Range", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Audio Routes", Value: fmt.Sprintf("%d loaded", len(routes))},
		{Label: "Demo Mode", Value: fmt.Sprintf("%t", cfg.Demo)},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	d := dialog.New(conn, cfg.AdvertiseAddr, cfg.SIPPort, cfg.RTPPortMin, cfg.RTPPortMax, router)

	run(d, conn, cfg)
}

// run starts the dispatcher and blocks until SIGINT/SIGTERM, then cancels
// its context and gives in-flight BYE sends a short grace period to land
// before the process exits.
func run(d *dialog.Dispatcher, conn net.PacketConn, cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	slog.Info("frizzlephone started", "port", cfg.SIPPort, "advertise", cfg.AdvertiseAddr)

	<-sigChan
	slog.Info("shutdown signal received, terminating active calls")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("graceful shutdown timed out")
	}

	conn.Close()
	slog.Info("frizzlephone stopped")
}
