// Package discovery advertises this host on the LAN over mDNS and resolves
// partner host ids to dialable addresses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service type without domain suffix.
	DefaultService = "_filerelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultScanTimeout bounds each scan window.
	DefaultScanTimeout = 3 * time.Second

	txtHostID      = "host_id"
	txtVersion     = "version"
	txtFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the advertiser and the scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	HostID         string
	Instance       string
	Port           int
	KeyFingerprint string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Instance == "" {
		out.Instance = out.HostID
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.HostID) == "" {
		return errors.New("host id is required")
	}
	return nil
}

// Advertiser publishes this host's id and listening port.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the host on the LAN.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		txtHostID + "=" + cfg.HostID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
	}
	if cfg.KeyFingerprint != "" {
		txt = append(txt, txtFingerprint+"="+cfg.KeyFingerprint)
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	log.WithFields(log.Fields{"host_id": cfg.HostID, "port": cfg.Port, "service": cfg.Service}).Info("advertising on mDNS")
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
