package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanInterval is the background browse period.
	DefaultScanInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds, matched to
	// the registry prune window so record expiry and registry expiry
	// coincide.
	DefaultTTL = 120
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the zeroconf announcer and scanner.
type MDNSConfig struct {
	Service      string
	Domain       string
	ScanInterval time.Duration
	ScanTimeout  time.Duration
	TTL          uint32

	Identity Identity

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validate() error {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity id is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity display name is required")
	}
	return nil
}

// MDNSAnnouncer advertises local presence via an mDNS service record.
type MDNSAnnouncer struct {
	server *zeroconf.Server
}

// StartMDNSAnnouncer registers the local device's service record.
func StartMDNSAnnouncer(config MDNSConfig) (*MDNSAnnouncer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	port := portFromAddress(cfg.Identity.Address)
	if port <= 0 {
		return nil, fmt.Errorf("identity address %q has no usable port", cfg.Identity.Address)
	}

	txt := []string{
		"id=" + cfg.Identity.ID,
		"platform=" + cfg.Identity.PlatformClass,
		"address=" + cfg.Identity.Address,
	}

	server, err := cfg.registerFn(cfg.Identity.DisplayName, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &MDNSAnnouncer{server: server}, nil
}

// Stop withdraws the service record.
func (a *MDNSAnnouncer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// MDNSScanner browses for peer service records and synthesizes
// announce messages into a handler, normally Bridge.Handle. Departure
// is handled by the registry prune window once records stop appearing.
type MDNSScanner struct {
	cfg MDNSConfig

	browse  browseFunc
	handler func(Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewMDNSScanner creates a scanner delivering synthesized announces to
// handler.
func NewMDNSScanner(config MDNSConfig, handler func(Message)) (*MDNSScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &MDNSScanner{
		cfg:     cfg,
		browse:  browse,
		handler: handler,
	}, nil
}

// Start begins background scanning.
func (s *MDNSScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop halts background scanning.
func (s *MDNSScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *MDNSScanner) loop() {
	defer s.wg.Done()

	// Prime the registry immediately.
	s.runScan()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runScan()
		}
	}
}

func (s *MDNSScanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				message, ok := parseEntry(entry, s.cfg.Identity.ID)
				if !ok {
					continue
				}
				s.handler(message)
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		logrus.WithError(err).Warn("mDNS browse failed")
	}

	<-scanCtx.Done()
	<-collectorDone
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (Message, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["id"])
	if peerID == "" || peerID == selfID {
		return Message{}, false
	}

	address := strings.TrimSpace(txt["address"])
	if address == "" {
		address = firstEntryAddress(entry)
	}
	if address == "" {
		return Message{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = peerID
	}

	return Message{
		Type:          TypeAnnounce,
		FromID:        peerID,
		DisplayName:   name,
		Address:       address,
		PlatformClass: strings.TrimSpace(txt["platform"]),
		Timestamp:     time.Now().UnixMilli(),
	}, true
}

func firstEntryAddress(entry *zeroconf.ServiceEntry) string {
	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil || ip.String() == "" {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return ""
	}
	sort.Strings(addresses)
	return net.JoinHostPort(addresses[0], fmt.Sprintf("%d", entry.Port))
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, item := range text {
		key, value, found := strings.Cut(item, "=")
		if !found {
			continue
		}
		out[key] = value
	}
	return out
}

func portFromAddress(address string) int {
	_, portText, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	var port int
	if _, err := fmt.Sscanf(portText, "%d", &port); err != nil {
		return 0
	}
	return port
}
