package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

// ErrHostNotFound is returned when no advertisement names the host id.
var ErrHostNotFound = errors.New("discovery: host not advertised")

// ErrStopped is returned by a scanner that is not running.
var ErrStopped = errors.New("discovery: scanner stopped")

// Host is one partner seen on the LAN.
type Host struct {
	HostID         string
	Instance       string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (h Host) Address() string {
	if len(h.Addresses) == 0 {
		return net.JoinHostPort(strings.TrimSuffix(h.HostName, "."), strconv.Itoa(h.Port))
	}
	return net.JoinHostPort(h.Addresses[0], strconv.Itoa(h.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner keeps the set of advertised partners current with periodic and
// on-demand browse windows.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	hosts map[string]Host

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		hosts:           make(map[string]Host),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// Refresh runs a scan window now and waits for it.
func (s *Scanner) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrStopped
	}
}

// Hosts returns the partners seen in the last scan, sorted by host id.
func (s *Scanner) Hosts() []Host {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

// Lookup returns the last advertisement of hostID.
func (s *Scanner) Lookup(hostID string) (Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostID]
	return h, ok
}

// Resolve maps hostID to an address, scanning once more if it has not been
// seen yet.
func (s *Scanner) Resolve(ctx context.Context, hostID string) (string, error) {
	if h, ok := s.Lookup(hostID); ok {
		return h.Address(), nil
	}
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}
	if h, ok := s.Lookup(hostID); ok {
		return h.Address(), nil
	}
	return "", fmt.Errorf("%w: %q", ErrHostNotFound, hostID)
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	if err := s.scan(nil); err != nil {
		log.WithError(err).Debug("mDNS scan failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.scan(nil); err != nil {
				log.WithError(err).Debug("mDNS scan failed")
			}
		case req := <-s.refreshRequests:
			req.done <- s.scan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// scan browses for one window and replaces the known set with what it saw.
func (s *Scanner) scan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]Host)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				h, ok := parseEntry(entry, s.cfg.HostID)
				if !ok {
					continue
				}
				h.LastSeen = time.Now()
				seen[h.HostID] = h
			}
		}
	}()

	err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collected
		return fmt.Errorf("browse %s: %w", s.cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collected
	s.apply(seen)
	return nil
}

func (s *Scanner) apply(next map[string]Host) {
	s.mu.Lock()
	previous := s.hosts
	s.hosts = next
	s.mu.Unlock()

	for id, h := range next {
		if _, ok := previous[id]; !ok {
			log.WithFields(log.Fields{"host_id": id, "address": h.Address()}).Info("partner appeared")
		}
	}
	for id := range previous {
		if _, ok := next[id]; !ok {
			log.WithField("host_id", id).Info("partner disappeared")
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, self string) (Host, bool) {
	txt := txtToMap(entry.Text)

	hostID := txt[txtHostID]
	if hostID == "" || hostID == self || entry.Port <= 0 {
		return Host{}, false
	}
	version, _ := strconv.Atoi(txt[txtVersion])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	dedup := make(map[string]struct{})
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		var batch []string
		for _, ip := range ips {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, dup := dedup[raw]; dup {
				continue
			}
			dedup[raw] = struct{}{}
			batch = append(batch, raw)
		}
		sort.Strings(batch)
		addresses = append(addresses, batch...)
	}

	return Host{
		HostID:         hostID,
		Instance:       strings.TrimSpace(entry.Instance),
		KeyFingerprint: txt[txtFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
