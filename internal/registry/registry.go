// Package registry builds the enabled wallet adapters for a network and keeps them for reuse.
package registry

import (
	"context"
	"sync"
	"time"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/adapter/extension"
	"avm.io/avm-wallet/internal/adapter/qrpair"
	"avm.io/avm-wallet/internal/adapter/watch"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/internal/walletconnect"
	"avm.io/avm-wallet/internal/wcbridge"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"golang.org/x/sync/singleflight"
)

// Factory builds one adapter. wc is nil when no WalletConnect project is configured.
type Factory func(wc *walletconnect.ProjectConfig) (adapter.Adapter, error)

type Options struct {
	Scope          string
	Store          storage.Store
	Events         *walletconnect.Events
	Providers      *walletconnect.Providers
	PairingTimeout time.Duration
	// Meta describes the dapp to bridge wallets.
	Meta      wcbridge.Meta
	Prompter  watch.AddressPrompter
	Messenger extension.Messenger
	// Factories replaces the builders of individual wallets.
	Factories map[adapter.ID]Factory
}

type Registry struct {
	opts      Options
	factories map[adapter.ID]Factory
	group     singleflight.Group

	mu       sync.RWMutex
	adapters map[adapter.ID]adapter.Adapter
	order    []adapter.ID
	cfg      *network.Config
	wc       *walletconnect.ProjectConfig
}

func New(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
	}
	if opts.Events == nil {
		opts.Events = walletconnect.NewEvents()
	}
	if opts.Scope == "" {
		opts.Scope = walletconnect.DefaultScope
	}
	r := &Registry{opts: opts, adapters: make(map[adapter.ID]adapter.Adapter)}
	r.factories = r.defaultFactories()
	for id, f := range opts.Factories {
		r.factories[id] = f
	}
	return r
}

func (r *Registry) defaultFactories() map[adapter.ID]Factory {
	o := r.opts
	qr := qrpair.Options{Store: o.Store, Events: o.Events, Scope: o.Scope, Meta: o.Meta}
	ext := extension.Options{Messenger: o.Messenger}
	wc := func(id adapter.ID) Factory {
		return func(project *walletconnect.ProjectConfig) (adapter.Adapter, error) {
			if project == nil {
				return nil, errors.Errorf("%s needs a walletconnect project", id)
			}
			if o.Providers == nil {
				return nil, errors.Errorf("%s needs a walletconnect provider pool", id)
			}
			return walletconnect.NewAdapter(id, walletconnect.Options{
				Scope:          o.Scope,
				Project:        *project,
				Providers:      o.Providers,
				Store:          o.Store,
				Events:         o.Events,
				PairingTimeout: o.PairingTimeout,
			})
		}
	}
	return map[adapter.ID]Factory{
		adapter.Pera:          func(*walletconnect.ProjectConfig) (adapter.Adapter, error) { return qrpair.NewPera(qr), nil },
		adapter.Defly:         func(*walletconnect.ProjectConfig) (adapter.Adapter, error) { return qrpair.NewDefly(qr), nil },
		adapter.Kibisis:       func(*walletconnect.ProjectConfig) (adapter.Adapter, error) { return extension.NewKibisis(ext), nil },
		adapter.Lute:          func(*walletconnect.ProjectConfig) (adapter.Adapter, error) { return extension.NewLute(ext), nil },
		adapter.WalletConnect: wc(adapter.WalletConnect),
		adapter.Biatec:        wc(adapter.Biatec),
		adapter.VoiWallet:     wc(adapter.VoiWallet),
		adapter.Watch:         func(*walletconnect.ProjectConfig) (adapter.Adapter, error) { return watch.New(o.Prompter), nil },
	}
}

// Events returns the registry WalletConnect and QR wallets emit modal and session events to.
func (r *Registry) Events() *walletconnect.Events {
	return r.opts.Events
}

// Initialize builds the enabled adapters for cfg. A call compatible with the current state
// keeps the existing adapters; otherwise they are destroyed and rebuilt in list order.
// Concurrent calls share one in-flight initialization.
func (r *Registry) Initialize(ctx context.Context, cfg network.Config, enabled []adapter.ID, wc *walletconnect.ProjectConfig) error {
	if r.compatible(cfg, enabled, wc) {
		return nil
	}
	ran, err := r.initOnce(ctx, cfg, enabled, wc)
	if ran {
		return err
	}
	// joined an initialization started by another caller
	if r.compatible(cfg, enabled, wc) {
		return nil
	}
	_, err = r.initOnce(ctx, cfg, enabled, wc)
	return err
}

// initOnce runs build unless one is in flight, in which case it waits for that one.
// ran reports whether this call's arguments were used.
func (r *Registry) initOnce(ctx context.Context, cfg network.Config, enabled []adapter.ID, wc *walletconnect.ProjectConfig) (bool, error) {
	ran := false
	_, err, _ := r.group.Do("initialize", func() (interface{}, error) {
		ran = true
		return nil, r.build(ctx, cfg, enabled, wc)
	})
	return ran, err
}

func (r *Registry) compatible(cfg network.Config, enabled []adapter.ID, wc *walletconnect.ProjectConfig) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cfg == nil || !r.cfg.SameChain(cfg) {
		return false
	}
	wantsWC := false
	for _, id := range enabled {
		if _, ok := r.adapters[id]; !ok {
			return false
		}
		wantsWC = wantsWC || id.IsWalletConnect()
	}
	if !wantsWC {
		return true
	}
	switch {
	case wc == nil && r.wc == nil:
		return true
	case wc == nil || r.wc == nil:
		return false
	default:
		return wc.ProjectID == r.wc.ProjectID
	}
}

func (r *Registry) build(ctx context.Context, cfg network.Config, enabled []adapter.ID, wc *walletconnect.ProjectConfig) error {
	r.Destroy(ctx)

	var project *walletconnect.ProjectConfig
	if wc != nil {
		p := *wc
		project = &p
	}
	adapters := make(map[adapter.ID]adapter.Adapter, len(enabled))
	var order []adapter.ID
	for _, id := range enabled {
		if _, dup := adapters[id]; dup {
			continue
		}
		factory, ok := r.factories[id]
		if !ok {
			log.Warnf("registry - unknown wallet id %q", id)
			continue
		}
		a, err := factory(project)
		if err != nil {
			log.Errorf("registry - build %s adapter: %v", id, err)
			continue
		}
		if err := a.Initialize(ctx, cfg); err != nil {
			log.Errorf("registry - initialize %s adapter: %v", id, err)
			if derr := a.Destroy(ctx); derr != nil {
				log.Debugf("registry - destroy failed %s adapter: %v", id, derr)
			}
			continue
		}
		adapters[id] = a
		order = append(order, id)
	}

	c := cfg
	r.mu.Lock()
	r.cfg, r.wc, r.adapters, r.order = &c, project, adapters, order
	r.mu.Unlock()
	log.Infof("registry - initialized %d of %d wallets on %s", len(order), len(enabled), cfg.ChainID)
	return nil
}

func (r *Registry) Adapter(id adapter.ID) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Adapters returns the built adapters in the order they were enabled.
func (r *Registry) Adapters() []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Adapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

func (r *Registry) EnabledIDs() []adapter.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]adapter.ID(nil), r.order...)
}

// WalletInfo lists display metadata of the built adapters.
func (r *Registry) WalletInfo() []adapter.Info {
	adapters := r.Adapters()
	out := make([]adapter.Info, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Info())
	}
	return out
}

func (r *Registry) IsInitialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg != nil
}

// Config returns the network the registry was initialized for.
func (r *Registry) Config() (network.Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cfg == nil {
		return network.Config{}, false
	}
	return *r.cfg, true
}

// ReconnectAll restores every wallet that has a session. Wallets that fail or have nothing
// to restore are left out.
func (r *Registry) ReconnectAll(ctx context.Context) map[adapter.ID][]adapter.Account {
	restored := make(map[adapter.ID][]adapter.Account)
	for _, a := range r.Adapters() {
		accounts, err := a.Reconnect(ctx)
		if err != nil {
			log.Debugf("registry - reconnect %s: %v", a.ID(), err)
			continue
		}
		if len(accounts) > 0 {
			restored[a.ID()] = accounts
		}
	}
	return restored
}

// DisconnectAll disconnects every connected wallet; one failure does not stop the others.
func (r *Registry) DisconnectAll(ctx context.Context) {
	for _, a := range r.Adapters() {
		if !a.IsConnected() {
			continue
		}
		if err := a.Disconnect(ctx); err != nil {
			log.Errorf("registry - disconnect %s: %v", a.Name(), err)
		}
	}
}

// Destroy tears down every adapter and resets the registry.
func (r *Registry) Destroy(ctx context.Context) {
	r.mu.Lock()
	adapters, order := r.adapters, r.order
	r.adapters, r.order = make(map[adapter.ID]adapter.Adapter), nil
	r.cfg, r.wc = nil, nil
	r.mu.Unlock()

	for _, id := range order {
		if err := adapters[id].Destroy(ctx); err != nil {
			log.Debugf("registry - destroy %s: %v", id, err)
		}
	}
}
