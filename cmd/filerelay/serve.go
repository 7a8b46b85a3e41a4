package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filerelay/crypto"
	"filerelay/discovery"
	"filerelay/metrics"
	"filerelay/protocol"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept and run transfers until interrupted",
	Long: `Listen for partner hosts and run the transfers they request.
SIGINT or SIGTERM stops accepting, aborts live sessions as ConnectionLost
and closes every connection before exiting.`,
	Args: cobra.NoArgs,
	RunE: serveMain,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides listen_address)")
	rootCmd.AddCommand(serveCmd)
}

func serveMain(cmd *cobra.Command, _ []string) error {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddress = listen
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.ListenAddress)
	}
	log.WithFields(log.Fields{
		"host_id":     e.hostID,
		"address":     ln.Addr().String(),
		"fingerprint": crypto.Fingerprint(e.key.Public),
	}).Info("serving transfers")

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(
			func() error {
				select {
				case sig := <-term:
					log.WithField("signal", sig.String()).Warn("received signal, shutting down")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				signal.Stop(term)
				close(cancel)
			},
		)
	}
	{
		g.Add(
			func() error {
				return e.service.Serve(ln)
			},
			func(error) {
				e.service.Shutdown()
			},
		)
	}
	if cfg.Discovery.Enabled {
		advertiser, err := discovery.Advertise(discovery.Config{
			Service:        cfg.Discovery.Service,
			Version:        int(protocol.Version),
			HostID:         e.hostID,
			Port:           ln.Addr().(*net.TCPAddr).Port,
			KeyFingerprint: crypto.Fingerprint(e.key.Public),
		})
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer advertiser.Stop()
		}
	}
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Add(
			func() error {
				log.WithField("address", cfg.Metrics.Address).Info("serving metrics")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(ctx)
			},
		)
	}

	return g.Run()
}
