package walletconnect

import (
	"context"
	"sync"

	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"golang.org/x/sync/singleflight"
)

// Providers owns at most one live Provider, keyed by project id, and counts its users.
type Providers struct {
	factory Factory
	group   singleflight.Group

	mu        sync.Mutex
	current   Provider
	projectID string
	refs      int
}

func NewProviders(factory Factory) *Providers {
	return &Providers{factory: factory}
}

// Acquire returns the provider for cfg.ProjectID, building it if needed. Concurrent callers
// share one construction. A provider for another project is torn down first: its listeners
// are removed and its transport closed, but its sessions are not ended.
func (p *Providers) Acquire(ctx context.Context, cfg ProjectConfig) (Provider, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("walletconnect project id is required")
	}
	p.mu.Lock()
	if p.current != nil && p.projectID == cfg.ProjectID {
		p.refs++
		prov := p.current
		p.mu.Unlock()
		return prov, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(cfg.ProjectID, func() (interface{}, error) {
		p.mu.Lock()
		if p.current != nil && p.projectID == cfg.ProjectID {
			prov := p.current
			p.mu.Unlock()
			return prov, nil
		}
		stale := p.current
		p.current, p.projectID, p.refs = nil, "", 0
		p.mu.Unlock()

		if stale != nil {
			log.Infof("walletconnect - replacing provider of project %s", stale.ProjectID())
			stale.RemoveAllListeners()
			if err := stale.Close(); err != nil {
				log.Warnf("walletconnect - close stale provider: %v", err)
			}
		}

		prov, err := p.factory(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "init walletconnect provider")
		}
		p.mu.Lock()
		p.current, p.projectID = prov, cfg.ProjectID
		p.mu.Unlock()
		return prov, nil
	})
	if err != nil {
		return nil, err
	}
	prov := v.(Provider)
	p.mu.Lock()
	if p.current == prov {
		p.refs++
	}
	p.mu.Unlock()
	return prov, nil
}

// Release drops one reference. The last release closes the provider, keeping its sessions
// restorable.
func (p *Providers) Release(prov Provider) {
	p.mu.Lock()
	if prov == nil || p.current != prov {
		p.mu.Unlock()
		return
	}
	p.refs--
	if p.refs > 0 {
		p.mu.Unlock()
		return
	}
	p.current, p.projectID, p.refs = nil, "", 0
	p.mu.Unlock()

	prov.RemoveAllListeners()
	if err := prov.Close(); err != nil {
		log.Warnf("walletconnect - close provider: %v", err)
	}
}

// Current returns the live provider, or nil.
func (p *Providers) Current() Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Refs returns the number of holders of the live provider.
func (p *Providers) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs
}

// Destroy ends the live session, if any, and drops the provider regardless of references.
func (p *Providers) Destroy(ctx context.Context) {
	p.mu.Lock()
	prov := p.current
	p.current, p.projectID, p.refs = nil, "", 0
	p.mu.Unlock()
	if prov == nil {
		return
	}
	if prov.Session() != nil {
		if err := prov.Disconnect(ctx); err != nil {
			log.Warnf("walletconnect - disconnect on destroy: %v", err)
		}
	}
	prov.RemoveAllListeners()
	if err := prov.Close(); err != nil {
		log.Warnf("walletconnect - close provider: %v", err)
	}
}
