package main

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filerelay/auth"
	"filerelay/config"
	"filerelay/crypto"
	"filerelay/discovery"
	"filerelay/models"
	"filerelay/network"
	"filerelay/storage"
	"filerelay/transfer"
)

// engine is one host's transfer stack built from configuration.
type engine struct {
	hostID  string
	key     crypto.HostKey
	store   *storage.Store
	manager *network.Manager
	service *transfer.Service
	scanner *discovery.Scanner
}

func openStore(c *config.Config) (*storage.Store, error) {
	if err := config.EnsureDataDirectories(c.DataDir); err != nil {
		return nil, err
	}
	store, dbPath, err := storage.Open(c.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	log.WithField("path", dbPath).Debug("database opened")
	return store, nil
}

func newEngine(c *config.Config) (*engine, error) {
	hostID, err := c.EnsureHostID()
	if err != nil {
		return nil, err
	}
	key, err := crypto.EnsureHostKey(c.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load host key")
	}
	store, err := openStore(c)
	if err != nil {
		return nil, err
	}
	e := &engine{hostID: hostID, key: key, store: store}

	if err := registerHosts(store, c.Hosts); err != nil {
		e.close()
		return nil, err
	}

	authenticator, err := auth.New(auth.Options{
		HostID:   hostID,
		Password: c.Password,
		Key:      key,
		Hosts:    store,
	})
	if err != nil {
		e.close()
		return nil, err
	}

	e.manager, err = network.NewManager(network.ManagerOptions{
		Auth:              authenticator,
		Store:             store,
		MaxFrameSize:      c.MaxFrameSize,
		ConnectTimeout:    c.ConnectTimeout,
		StartupTimeout:    c.StartupTimeout,
		RequestTimeout:    c.RequestTimeout,
		ReceiveWindow:     c.ReceiveWindow,
		CloseGraceDelay:   c.CloseGraceDelay,
		KeepAliveInterval: c.KeepAliveInterval,
		KeepAliveTimeout:  c.KeepAliveTimeout,
		WritePoolSize:     c.WritePoolSize,
	})
	if err != nil {
		e.close()
		return nil, err
	}

	resolver := transfer.Resolvers{hostTable(c.Hosts)}
	if c.Discovery.Enabled {
		e.scanner, err = discovery.NewScanner(discovery.Config{
			HostID:      hostID,
			Service:     c.Discovery.Service,
			ScanTimeout: c.Discovery.Timeout,
		})
		if err != nil {
			log.WithError(err).Warn("mDNS lookup unavailable")
		} else {
			e.scanner.Start()
			resolver = append(resolver, e.scanner)
		}
	}

	e.service, err = transfer.New(transfer.Options{
		HostID:    hostID,
		Store:     store,
		Manager:   e.manager,
		Rules:     c.RuleSet(),
		Resolver:  resolver,
		BlockSize: c.BlockSize,
		MaxRetry:  c.MaxRetry,
	})
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// close shuts the service down before releasing the store.
func (e *engine) close() {
	if e.service != nil {
		e.service.Shutdown()
	} else if e.manager != nil {
		e.manager.ShutdownAll()
	}
	if e.scanner != nil {
		e.scanner.Stop()
	}
	if err := e.store.Close(); err != nil {
		log.WithError(err).Warn("database close failed")
	}
}

// registerHosts copies the configured partners and their credentials into the
// host table the authenticator reads.
func registerHosts(store *storage.Store, hosts []config.HostConfig) error {
	for _, h := range hosts {
		host := models.Host{ID: h.ID, Address: h.Address, PasswordHash: h.PasswordHash}
		if h.PublicKeyPath != "" {
			public, err := crypto.LoadPublicKey(h.PublicKeyPath)
			if err != nil {
				return fmt.Errorf("host %s: %w", h.ID, err)
			}
			host.PublicKey = crypto.EncodePublicKey(public)
		}
		if err := store.UpsertHost(host); err != nil {
			return err
		}
	}
	return nil
}

func hostTable(hosts []config.HostConfig) transfer.HostTable {
	table := make(transfer.HostTable, len(hosts))
	for _, h := range hosts {
		if h.Address != "" {
			table[h.ID] = h.Address
		}
	}
	return table
}
