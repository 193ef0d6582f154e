// vsockmuxd runs the vsock device backend standalone: guest packets arrive
// framed over a stream socket (a unix socket from the VMM, or a real
// AF_VSOCK listener in nested setups) and fan out to the configured host
// backends.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/tinyrange/vsockmux/internal/backend"
	"github.com/tinyrange/vsockmux/internal/config"
	"github.com/tinyrange/vsockmux/internal/muxer"
	"github.com/tinyrange/vsockmux/internal/pump"
	"github.com/tinyrange/vsockmux/internal/trace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vsockmuxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the yaml configuration file")
	listen := flag.String("listen", "", "Unix socket to accept the guest transport on")
	vsockPort := flag.Uint("vsock-port", 0, "AF_VSOCK port to accept the guest transport on (instead of -listen)")
	tracePath := flag.String("trace", "", "Write packet traces to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <file> (-listen <socket> | -vsock-port <port>)\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serve one guest vsock transport, multiplexing its connections onto\n")
		fmt.Fprintf(os.Stderr, "the backends named in the configuration file.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		trace.Open(f)
		defer trace.Close()
	}

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}
	if (*listen == "") == (*vsockPort == 0) {
		flag.Usage()
		return fmt.Errorf("exactly one of -listen or -vsock-port is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	transportFD, err := acceptTransport(log, *listen, uint32(*vsockPort))
	if err != nil {
		return err
	}

	mux := muxer.New(cfg.GuestCID, muxer.Options{
		BufAlloc:         cfg.BufAlloc,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeout),
		Log:              log,
	})

	listeners, err := setupPorts(mux, cfg)
	if err != nil {
		return err
	}

	p, err := pump.NewStream(pump.StreamOptions{
		Mux:       mux,
		FD:        transportFD,
		Listeners: listeners,
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		p.Stop()
	}()

	log.Info("serving guest", "cid", cfg.GuestCID, "ports", len(cfg.Ports))
	return p.Run()
}

// acceptTransport waits for the single guest transport connection and
// returns it as a non-blocking descriptor the pump owns.
func acceptTransport(log *slog.Logger, path string, port uint32) (int, error) {
	var (
		l   net.Listener
		err error
	)
	if path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return -1, fmt.Errorf("remove stale socket %s: %w", path, rmErr)
		}
		l, err = net.Listen("unix", path)
	} else {
		l, err = vsock.Listen(port, nil)
	}
	if err != nil {
		return -1, fmt.Errorf("listen for transport: %w", err)
	}
	defer l.Close()

	log.Info("waiting for guest transport", "addr", l.Addr())
	c, err := l.Accept()
	if err != nil {
		return -1, fmt.Errorf("accept transport: %w", err)
	}

	fd, err := backend.DupFD(c)
	if err != nil {
		c.Close()
		return -1, fmt.Errorf("transport descriptor: %w", err)
	}
	return fd, nil
}

// setupPorts registers one backend factory per configured guest port and
// opens any host-side forward listeners.
func setupPorts(mux *muxer.Muxer, cfg *config.Config) ([]backend.HostListener, error) {
	var listeners []backend.HostListener
	for _, p := range cfg.Ports {
		var factory muxer.BackendFactory
		switch p.Backend {
		case config.BackendUnix:
			factory = backend.UnixDialer{Path: p.Path}
		case config.BackendTCP:
			factory = backend.TCPDialer{Address: p.Address}
		case config.BackendVsock:
			factory = backend.VsockDialer{CID: p.CID, Port: p.VsockPort}
		}
		if err := mux.RegisterListener(p.Port, factory); err != nil {
			return nil, err
		}

		if p.HostListen != "" {
			l, err := backend.ListenUnix(p.HostListen, p.Port)
			if err != nil {
				return nil, err
			}
			listeners = append(listeners, l)
		}
	}
	return listeners, nil
}
