package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/spectrumreader/internal/bufferpool"
	"github.com/oriys/spectrumreader/internal/config"
	"github.com/oriys/spectrumreader/internal/consumerqueue"
	"github.com/oriys/spectrumreader/internal/domain"
	"github.com/oriys/spectrumreader/internal/filterdispatch"
	"github.com/oriys/spectrumreader/internal/logging"
	"github.com/oriys/spectrumreader/internal/metrics"
	"github.com/oriys/spectrumreader/internal/observability"
	"github.com/oriys/spectrumreader/internal/rdma"
	"github.com/oriys/spectrumreader/internal/reactor"
	"github.com/oriys/spectrumreader/internal/signalrecv"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		group      string
		iface      string
		logLevel   string
		statusAddr string
		bufMinSize int
		bufMaxSize int
		bufSlots   int
		fakeRDMA   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Spectrum Reader data plane",
		Long:  "Run the Spectrum Reader: listens for signal-message advertisements over multicast UDP, issues RDMA READs against advertising servers, verifies digests, and fans out results to registered consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if consumersFile == "" {
				return fmt.Errorf("--consumers is required")
			}

			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("status-addr") {
				cfg.Daemon.StatusAddr = statusAddr
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			dsp, err := filterdispatch.ParseFile(consumersFile)
			if err != nil {
				return fmt.Errorf("load consumer dispatch: %w", err)
			}

			pool, err := bufferpool.New(bufMinSize, bufMaxSize, bufSlots)
			if err != nil {
				return fmt.Errorf("create buffer pool: %w", err)
			}
			defer pool.Close()

			consumers := consumerqueue.NewRegistry(256)
			for _, rule := range dsp.Rules() {
				consumers.Register(rule.Consumer)
			}

			var provider rdma.Provider
			if fakeRDMA {
				logging.Op().Warn("running with the in-memory fake RDMA provider; no real RDMA hardware will be used")
				provider = rdma.NewFakeProvider()
			} else {
				provider, err = rdma.NewCGOProvider()
				if err != nil {
					return fmt.Errorf("init RDMA provider: %w", err)
				}
			}
			defer provider.Close()

			groupAddr, err := net.ResolveUDPAddr("udp4", group)
			if err != nil {
				return fmt.Errorf("resolve multicast group %q: %w", group, err)
			}
			var ifi *net.Interface
			if iface != "" {
				ifi, err = net.InterfaceByName(iface)
				if err != nil {
					return fmt.Errorf("lookup interface %q: %w", iface, err)
				}
				if !fakeRDMA {
					dev, err := rdma.DeviceForNetdev(iface)
					if err != nil {
						return fmt.Errorf("--iface %q is not RDMA-capable: %w", iface, err)
					}
					logging.Op().Info("iface resolved to RDMA device", "iface", iface, "device", dev)
				}
			}

			requestQueue := make(chan *domain.DataPathMessage, 256)

			recv, err := signalrecv.New(groupAddr, ifi, pool, dsp, cfg.Reader.SignalMsgNumSpectra, requestQueue)
			if err != nil {
				return fmt.Errorf("start signal receiver: %w", err)
			}
			defer recv.Close()

			rx := reactor.New(provider, pool, consumers, cfg.Reader)

			gate := make(chan struct{})
			resultCh := make(chan domain.Result, 1)
			go func() {
				resultCh <- rx.Run(requestQueue, gate)
			}()
			<-gate // reactor has entered its run state

			go recv.Run()

			var httpServer *http.Server
			if cfg.Daemon.StatusAddr != "" {
				httpServer = startStatusServer(cfg.Daemon.StatusAddr, rx)
				logging.Op().Info("status HTTP server started", "addr", cfg.Daemon.StatusAddr)
			}

			logging.Op().Info("spectrumreader started",
				"multicast_group", group,
				"interface", iface,
				"consumers", len(dsp.Rules()))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			recv.Close()
			rx.RequestQuit()
			<-gate // reactor has finished draining and returned from Run

			result := <-resultCh
			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(ctx)
				cancel()
			}

			logging.Op().Info("spectrumreader stopped", "result", result.Code.String())
			if result.Code != domain.ResultNoError {
				return fmt.Errorf("reactor exited with error: %s", result.SysErrDesc)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "239.1.1.1:31337", "Multicast group address for signal-message advertisements")
	cmd.Flags().StringVar(&iface, "iface", "", "Network interface to join the multicast group on (empty = system default)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "Address to serve /healthz and /status on (empty disables the surface)")
	cmd.Flags().IntVar(&bufMinSize, "buf-min-size", 4096, "Smallest buffer-pool bucket size in bytes")
	cmd.Flags().IntVar(&bufMaxSize, "buf-max-size", 1<<20, "Largest buffer-pool bucket size in bytes")
	cmd.Flags().IntVar(&bufSlots, "buf-slots", bufferpool.DefaultSlotsPerBucket, "Slots per buffer-pool bucket arena")
	cmd.Flags().BoolVar(&fakeRDMA, "fake-rdma", false, "Use the in-memory fake RDMA provider instead of real hardware (development only)")

	return cmd
}

// newStatusMux builds the §4.10 JSON status surface's routes. Split out from
// startStatusServer so the handlers can be exercised with httptest without
// binding a real socket. The handlers only ever read rx.Status(), a
// lock-free snapshot published by the reactor goroutine, so this mux never
// touches live reactor state.
func newStatusMux(rx *reactor.Reactor) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rx.Status())
	})

	mux.Handle("GET /metrics", metrics.PrometheusHandler())

	return mux
}

// startStatusServer serves newStatusMux's routes on addr.
func startStatusServer(addr string, rx *reactor.Reactor) *http.Server {
	srv := &http.Server{Addr: addr, Handler: newStatusMux(rx)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("status HTTP server failed", "error", err)
		}
	}()
	return srv
}
