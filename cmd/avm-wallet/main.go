package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avm.io/avm-wallet/internal/account"
	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/auth"
	"avm.io/avm-wallet/internal/chains"
	"avm.io/avm-wallet/internal/config"
	"avm.io/avm-wallet/internal/http"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/internal/registry"
	"avm.io/avm-wallet/internal/storage"
	"avm.io/avm-wallet/internal/walletconnect"
	"avm.io/avm-wallet/internal/walletconnect/relay"
	"avm.io/avm-wallet/internal/wcbridge"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"github.com/skip2/go-qrcode"
)

var (
	connectWallet = flag.String("connect", "", "Wallet id to connect before serving")
	authenticate  = flag.Bool("authenticate", false, "Authenticate the account connected with -connect")
)

func main() {
	log.Infof("Starting app")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.ErrorfAndReport("%v", i))
		}
	}()
	config.Read()
	cfg := config.Global
	log.SetLevel(cfg.LogLevel)
	if err := errors.NewSentryReporter(cfg.SentryDSN); err != nil {
		log.Error(err)
	}
	if cfg.LarkAlarmWebhook != "" {
		errors.NewLarkReporter(cfg.LarkAlarmWebhook, time.Minute)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, limiter := openStore(ctx, cfg)
	netCfg, err := networkConfig(ctx, cfg.Network)
	if err != nil {
		log.Fatal(err)
	}

	events := walletconnect.NewEvents()
	events.OnModal(cfg.Scope, printModal)
	events.OnSession(cfg.Scope, func(ev walletconnect.SessionEvent) {
		log.Warnf("session %s ended: %s", ev.WalletID, ev.Type)
	})
	providers := walletconnect.NewProviders(relay.Factory(relay.Options{Store: store}))
	defer providers.Destroy(context.Background())

	reg := registry.New(registry.Options{
		Scope:          cfg.Scope,
		Store:          store,
		Events:         events,
		Providers:      providers,
		PairingTimeout: cfg.WalletConnect.PairingTimeout,
		Meta: wcbridge.Meta{
			Name:        cfg.WalletConnect.Name,
			Description: cfg.WalletConnect.Description,
			URL:         cfg.WalletConnect.URL,
			Icons:       cfg.WalletConnect.Icons,
		},
	})
	defer reg.Destroy(context.Background())
	if err := reg.Initialize(ctx, netCfg, walletIDs(cfg.Wallets), projectConfig(cfg.WalletConnect)); err != nil {
		log.Fatal(err)
	}

	issuer, err := newIssuer(cfg.Auth, netCfg.ChainID)
	if err != nil {
		log.Fatal(err)
	}
	accounts, err := account.Open(ctx, account.Options{Scope: cfg.Scope, Store: store, Validator: auth.NewVerifier(issuer)})
	if err != nil {
		log.Fatal(err)
	}
	restore(ctx, reg, accounts, netCfg)

	if *connectWallet != "" {
		authn := auth.NewAuthenticator(accounts, issuer)
		if err := connect(ctx, reg, accounts, authn, adapter.ID(*connectWallet), netCfg); err != nil {
			log.Error(err)
		}
	}

	server := http.NewServer(http.Options{
		Issuer:  issuer,
		Cookie:  accounts.TokenCookie,
		Limiter: limiter,
		Wallets: reg,
	})
	if err := server.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
		log.Error(err)
	}
}

// openStore uses redis when configured, which also enables rate limiting.
func openStore(ctx context.Context, cfg *config.Configuration) (storage.Store, http.Limiter) {
	if cfg.RedisCredential.Address == "" {
		log.Warn("no redis configured, sessions live in memory")
		return storage.NewMemory(), nil
	}
	r, err := storage.NewRedis(ctx, &cfg.RedisCredential)
	if err != nil {
		log.Fatal(err)
	}
	return r, http.NewRedisLimiter(r.Client(), cfg.HTTP.RatePerMinute)
}

// networkConfig asks algod for the chain when an endpoint is configured and falls back
// to the known network table otherwise.
func networkConfig(ctx context.Context, n config.Network) (network.Config, error) {
	var node network.Node
	if n.AlgodAddress != "" {
		algod, err := network.NewAlgodNode(n.AlgodAddress, n.AlgodToken)
		if err != nil {
			return network.Config{}, err
		}
		cfg, err := network.NewConfig(ctx, algod)
		if err == nil {
			return cfg, nil
		}
		if n.Name == "" {
			return network.Config{}, err
		}
		log.Warnf("algod unreachable, using known network %s: %v", n.Name, err)
		node = algod
	}
	name := n.Name
	if name == "" {
		name = "testnet"
	}
	chain, ok := chains.ByName(name)
	if !ok {
		return network.Config{}, errors.Errorf("unknown network %q", name)
	}
	return network.FromChain(node, chain), nil
}

func walletIDs(names []string) []adapter.ID {
	if len(names) == 0 {
		return adapter.IDs
	}
	ids := make([]adapter.ID, 0, len(names))
	for _, n := range names {
		id := adapter.ID(n)
		if !id.Valid() {
			log.Warnf("ignoring unknown wallet %q", n)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func projectConfig(wc config.WalletConnect) *walletconnect.ProjectConfig {
	if wc.ProjectID == "" {
		return nil
	}
	return &walletconnect.ProjectConfig{
		ProjectID:   wc.ProjectID,
		Name:        wc.Name,
		Description: wc.Description,
		URL:         wc.URL,
		Icons:       wc.Icons,
		RelayURL:    wc.RelayURL,
	}
}

func newIssuer(a config.Auth, chainID string) (*auth.Issuer, error) {
	if a.Issuer == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(a.JWTSeed)
	if err != nil {
		return nil, errors.Wrap(err, "decode jwt seed")
	}
	return auth.NewIssuer(a.Issuer, chainID, seed)
}

func restore(ctx context.Context, reg *registry.Registry, accounts *account.Store, netCfg network.Config) {
	for id, restored := range reg.ReconnectAll(ctx) {
		a, _ := reg.Adapter(id)
		if err := accounts.AddAccounts(ctx, account.FromAdapter(a.Info(), restored, netCfg.ChainID)); err != nil {
			log.Error(err)
		}
		if err := accounts.MarkReconnected(ctx, id); err != nil {
			log.Error(err)
		}
	}
	log.Infof("restored %d accounts", len(accounts.Accounts()))
}

func connect(ctx context.Context, reg *registry.Registry, accounts *account.Store, authn *auth.Authenticator, id adapter.ID, netCfg network.Config) error {
	a, ok := reg.Adapter(id)
	if !ok {
		return errors.Errorf("wallet %s is not enabled", id)
	}
	connected, err := a.Connect(ctx)
	if err != nil {
		return err
	}
	if len(connected) == 0 {
		log.Info("connection cancelled")
		return nil
	}
	if err := accounts.AddAccounts(ctx, account.FromAdapter(a.Info(), connected, netCfg.ChainID)); err != nil {
		return err
	}
	if !*authenticate || !a.SupportsAuth() {
		return nil
	}
	if _, err := authn.Authenticate(ctx, string(id), a, connected[0].Address); err != nil {
		return err
	}
	log.Infof("authenticated %s", connected[0].Address)
	return nil
}

func printModal(ev walletconnect.ModalEvent) {
	if ev.Type != walletconnect.ModalShow {
		return
	}
	q, err := qrcode.New(ev.URI, qrcode.Medium)
	if err != nil {
		log.Error(errors.Wrap(err, "render pairing code"))
		return
	}
	fmt.Printf("Scan with %s:\n%s\n%s\n", ev.WalletName, q.ToSmallString(false), ev.URI)
}
