// Command trx-server runs the rig control daemon described by SPEC_FULL.md:
// one or more rig runtimes, the line-delimited JSON control protocol, and
// the optional ambient surfaces (metrics, discovery, web bridge, rigctld
// compatibility). Grounded on the teacher's main.go flag parsing and
// signal-driven graceful shutdown, generalized from flag to spf13/pflag
// (A1) and from one monolithic HTTP server to several independent listeners.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/n0call/trx-rs-go/internal/audio"
	"github.com/n0call/trx-rs-go/internal/config"
	"github.com/n0call/trx-rs-go/internal/discovery"
	"github.com/n0call/trx-rs-go/internal/logging"
	"github.com/n0call/trx-rs-go/internal/metrics"
	"github.com/n0call/trx-rs-go/internal/protocol"
	"github.com/n0call/trx-rs-go/internal/rigctlsrv"
	"github.com/n0call/trx-rs-go/internal/runtime"
	"github.com/n0call/trx-rs-go/internal/webbridge"
)

func main() {
	configPath := pflag.String("config", "trx-rs.toml", "path to the combined trx-rs.toml configuration file")
	legacyPath := pflag.String("legacy-config", "trx-server.toml", "fallback flat configuration file")
	printConfig := pflag.Bool("print-config", false, "print the effective configuration as TOML and exit")
	metricsAddr := pflag.String("metrics-listen", "", "address to serve Prometheus /metrics on (empty disables)")
	listAudioDevices := pflag.Bool("list-audio-devices", false, "enumerate host audio output devices and exit")
	model := pflag.String("model", "", "rig model, overriding [rig].model from the config file")
	initialFreq := pflag.Uint64("initial-freq-hz", 0, "initial frequency, overriding [rig].initial_freq_hz")
	rigctldAddr := pflag.String("rigctld-listen", "", "address to serve a Hamlib rigctld-compatible frontend on (empty disables)")
	webAddr := pflag.String("web-listen", "", "address to serve the WebSocket/SSE bridge on (empty disables)")
	announce := pflag.Bool("announce", false, "advertise this server via mDNS/DNS-SD (A7)")
	pflag.Parse()

	if *listAudioDevices {
		devices, err := audio.OutputDevices()
		if err != nil {
			fmt.Fprintln(os.Stderr, "trx-server:", err)
			os.Exit(1)
		}
		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %2d  %-40s %d ch  %.0f Hz\n", marker, d.Index, d.Name, d.MaxChannels, d.SampleRate)
		}
		return
	}

	cfg, err := config.LoadServer(*configPath, *legacyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "trx-server: config:", err)
		os.Exit(1)
	}
	if *model != "" {
		cfg.Rig.Model = *model
	}
	if *initialFreq > 0 {
		cfg.Rig.InitialFreqHz = *initialFreq
	}
	if len(cfg.Rigs) == 0 && cfg.Rig.Model == "" {
		fmt.Fprintln(os.Stderr, "trx-server: config: rig.model: required (set it in the config file or pass --model)")
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.PrintConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, "trx-server: print-config:", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	logger := logging.New(cfg.General.LogLevel)

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build runtime", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Listen.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Listen.Listen, cfg.Listen.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Fatal("control listener failed", "addr", addr, "err", err)
		}
		listener := protocol.NewListener(rt, cfg.Listen.Auth.Tokens, cfg.Listen.MaxLineBytes, logging.Component(logger, "protocol"))
		go func() {
			logger.Info("control protocol listening", "addr", addr)
			if err := listener.Serve(ctx, ln); err != nil {
				logger.Error("control listener stopped", "err", err)
			}
		}()
	}

	if *metricsAddr != "" {
		ln, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			logger.Fatal("metrics listener failed", "addr", *metricsAddr, "err", err)
		}
		go func() {
			logger.Info("metrics listening", "addr", *metricsAddr)
			if err := metrics.Serve(ctx, ln); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if *rigctldAddr != "" {
		ln, err := net.Listen("tcp", *rigctldAddr)
		if err != nil {
			logger.Fatal("rigctld listener failed", "addr", *rigctldAddr, "err", err)
		}
		srv := rigctlsrv.New(rt, "", logging.Component(logger, "rigctld"))
		go func() {
			logger.Info("rigctld-compatible frontend listening", "addr", *rigctldAddr)
			if err := srv.Serve(ctx, ln); err != nil {
				logger.Error("rigctld server stopped", "err", err)
			}
		}()
	}

	if *webAddr != "" {
		bridge := webbridge.New(rt)
		go func() {
			logger.Info("web bridge listening", "addr", *webAddr)
			if err := listenAndServeMux(ctx, *webAddr, bridge.Mux()); err != nil {
				logger.Error("web bridge stopped", "err", err)
			}
		}()
	}

	var stopAnnounce func()
	if *announce {
		stopAnnounce, err = discovery.Announce(cfg.General.Callsign, cfg.Listen.Port, []string{"callsign=" + cfg.General.Callsign})
		if err != nil {
			logger.Warn("mDNS announce failed", "err", err)
		}
	}

	go rt.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if stopAnnounce != nil {
		stopAnnounce()
	}
	cancel()
	rt.Stop()
}
