// Package watch implements the watch-only wallet: an address the user types in, tracked
// without any ability to sign.
package watch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/network"
	"avm.io/avm-wallet/pkg/errors"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"golang.org/x/term"
)

// AddressPrompter asks the user for an address. An empty answer means the user cancelled.
type AddressPrompter interface {
	PromptAddress(ctx context.Context, message string) (string, error)
}

// PromptFunc adapts a function to AddressPrompter.
type PromptFunc func(ctx context.Context, message string) (string, error)

func (f PromptFunc) PromptAddress(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

// TerminalPrompter reads the address from a terminal, or from any reader when In is not one.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

func (p TerminalPrompter) PromptAddress(_ context.Context, message string) (string, error) {
	in, out := p.In, p.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if term.IsTerminal(int(in.Fd())) {
		state, err := term.MakeRaw(int(in.Fd()))
		if err == nil {
			defer func() { _ = term.Restore(int(in.Fd()), state) }()
		}
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{in, out}, message+": ")
		line, err := t.ReadLine()
		if err != nil && err != io.EOF {
			return "", errors.Wrap(err, "read address")
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprintf(out, "%s: ", message)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "read address")
	}
	return strings.TrimSpace(line), nil
}

var _ adapter.Adapter = (*Adapter)(nil)

type Adapter struct {
	*adapter.Base
	prompter AddressPrompter
}

// New builds the watch adapter. A nil prompter reads from the terminal.
func New(prompter AddressPrompter) *Adapter {
	if prompter == nil {
		prompter = TerminalPrompter{}
	}
	return &Adapter{
		Base: adapter.NewBase(adapter.Info{
			ID:          adapter.Watch,
			Name:        "Watch Account",
			Icon:        "icons/watch_icon.png",
			IsWatchOnly: true,
		}),
		prompter: prompter,
	}
}

func (a *Adapter) Initialize(_ context.Context, cfg network.Config) error {
	a.Init(cfg)
	return nil
}

// Connect asks for an address to watch. A blank answer returns no accounts and no error.
func (a *Adapter) Connect(ctx context.Context) ([]adapter.Account, error) {
	if _, err := a.RequireConfig("connect"); err != nil {
		return nil, err
	}
	address, err := a.prompter.PromptAddress(ctx, "Enter the address to watch")
	if err != nil {
		a.ClearConnected()
		return nil, err
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, nil
	}
	if !adapter.ValidAddress(address) {
		a.ClearConnected()
		return nil, adapter.NewError(adapter.KindInvalidAddress, a.ID(), "connect", errors.Errorf("%q is not an AVM address", address))
	}
	a.SetConnected([]adapter.Account{{Address: address}})
	return a.Accounts(), nil
}

// Reconnect has nothing to restore; watched addresses live in the account store.
func (a *Adapter) Reconnect(ctx context.Context) ([]adapter.Account, error) {
	if _, err := a.RequireConfig("reconnect"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.ClearConnected()
	return nil
}

func (a *Adapter) SignTransactions(context.Context, [][]types.Transaction, *adapter.SigningOptions) ([][]byte, error) {
	return nil, a.Unsupported("signTransactions")
}

func (a *Adapter) SignAndSendTransactions(context.Context, [][]types.Transaction, *adapter.SigningOptions) (*adapter.SignAndSendResult, error) {
	return nil, a.Unsupported("signAndSendTransactions")
}

func (a *Adapter) Authenticate(context.Context, string) (string, error) {
	return "", a.Unsupported("authenticate")
}

func (a *Adapter) Destroy(context.Context) error {
	a.MarkDestroyed()
	return nil
}
