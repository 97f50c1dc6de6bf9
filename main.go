package main

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/config"
	"peerdrop/link"
	"peerdrop/registry"
	"peerdrop/signaling"
	"peerdrop/storage"
	"peerdrop/transfer"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while loading config")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Receive Dir:     %s\n", cfg.ReceiveDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Error("database close failed")
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	reg := registry.New(registry.Config{
		HeartbeatWindow: time.Duration(cfg.HeartbeatWindowSeconds) * time.Second,
		PruneWindow:     time.Duration(cfg.PruneWindowSeconds) * time.Second,
		PruneInterval:   time.Duration(cfg.PruneIntervalSeconds) * time.Second,
	})
	reg.Start()
	defer reg.Stop()
	go logRegistryEvents(reg.Events())

	coordinator, err := transfer.NewCoordinator(transfer.CoordinatorOptions{
		DeviceID:           cfg.DeviceID,
		DisplayName:        cfg.DeviceName,
		Peers:              reg,
		IO:                 &transfer.DiskProvider{ReceiveDir: cfg.ReceiveDir},
		History:            store,
		ConnectTimeout:     time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		MaxActiveTransfers: int64(cfg.MaxActiveTransfers),
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while creating transfer coordinator")
	}
	defer coordinator.Shutdown()

	listenAddress := "0.0.0.0:0"
	if cfg.PortMode == config.PortModeFixed {
		listenAddress = fmt.Sprintf("0.0.0.0:%d", cfg.ListeningPort)
	}
	server, err := link.NewServer(link.ServerOptions{
		ListenAddress: listenAddress,
		DeviceID:      cfg.DeviceID,
		DisplayName:   cfg.DeviceName,
		Handler:       coordinator.HandleConn,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while binding transfer listener")
	}
	server.Start()
	defer server.Stop()
	fmt.Printf("Listening On:    %s\n", server.Addr())

	identity := signaling.Identity{
		ID:            cfg.DeviceID,
		DisplayName:   cfg.DeviceName,
		Address:       advertisedAddress(server.Addr()),
		PlatformClass: cfg.PlatformClass,
	}

	bridge, err := signaling.NewBridge(signaling.BridgeConfig{
		Identity:          identity,
		Registry:          reg,
		AnnounceInterval:  time.Duration(cfg.AnnounceIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		ProbeTimeout:      time.Duration(cfg.ProbeTimeoutSeconds) * time.Second,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while creating signaling bridge")
	}
	bridge.Start()
	defer bridge.Stop()

	if cfg.EnableMDNS {
		mdnsCfg := signaling.MDNSConfig{Identity: identity}

		announcer, err := signaling.StartMDNSAnnouncer(mdnsCfg)
		if err != nil {
			logrus.WithError(err).Warn("mDNS announce unavailable")
		} else {
			defer announcer.Stop()
		}

		scanner, err := signaling.NewMDNSScanner(mdnsCfg, bridge.Handle)
		if err != nil {
			logrus.WithError(err).Warn("mDNS discovery unavailable")
		} else {
			scanner.Start()
			defer scanner.Stop()
			fmt.Println("Discovery:       running")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logRegistryEvents(events <-chan registry.Event) {
	for event := range events {
		switch event.Type {
		case registry.EventPeerUpserted:
			logrus.WithFields(logrus.Fields{
				"peer_id": event.Peer.ID,
				"name":    event.Peer.DisplayName,
				"address": event.Peer.Address,
			}).Info("peer available")
		case registry.EventPeerRemoved:
			logrus.WithField("peer_id", event.Peer.ID).Info("peer removed")
		default:
			logrus.WithFields(logrus.Fields{
				"event":   event.Type,
				"peer_id": event.Peer.ID,
			}).Debug("registry event")
		}
	}
}

// advertisedAddress swaps a wildcard listen host for a routable local
// interface address so peers can dial back.
func advertisedAddress(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		return listenAddr
	}
	return net.JoinHostPort(localIPv4(), port)
}

func localIPv4() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}
