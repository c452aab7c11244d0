package signerapi

import (
	"context"

	"github.com/aegis-sign/authzsigner/internal/facade"
	"github.com/aegis-sign/authzsigner/internal/reconnect"
	"github.com/aegis-sign/authzsigner/internal/relay"
)

// Signer 定义 handler 依赖的门面能力，由 *facade.Facade 实现。
type Signer interface {
	Snapshot() facade.Snapshot
	Registered(ctx context.Context) (bool, error)
	ImportPhrase(ctx context.Context, phrase string) (string, error)
	GenerateAccount(ctx context.Context) (address, phrase string, err error)
	InitializeWithExtension(ctx context.Context) error
	InitializeWithRemote(ctx context.Context) error
	StartRemotePairing(ctx context.Context, walletLabel string) (facade.PairingInfo, error)
	CheckConnection(ctx context.Context) (reconnect.CheckResult, error)
	CancelPairing(ctx context.Context) error
	PairingStatus() facade.PairingStatus
	Logout(ctx context.Context) error
}

var _ Signer = (*facade.Facade)(nil)

// RelayDebugger 返回中继调试快照。
type RelayDebugger func(ctx context.Context) (relay.DebugSnapshot, error)
