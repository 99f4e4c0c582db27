package subplatform

import "context"

// AssetTransfer is the external value-transfer capability the engine
// settles through. An empty token address means the native asset.
//
// Transfers are the only external calls made mid-operation. The engine
// commits ledger state before TransferOut and re-validates the committed
// record afterwards, so a hostile callback from the transfer cannot leave
// the ledger extended from a stale base.
type AssetTransfer interface {
	// TransferIn pulls amount from the payer into the platform.
	// For tokens this is an allowance-based pull; for the native asset it
	// models value attached to the call.
	TransferIn(ctx context.Context, from, token string, amount int64) error

	// TransferOut pays amount out of the platform to a recipient.
	TransferOut(ctx context.Context, to, token string, amount int64) error
}

// NoopTransfer is a no-op implementation of AssetTransfer. It is the
// default when no transfer capability is configured; settlement effects
// are then ledger-only.
type NoopTransfer struct{}

func (NoopTransfer) TransferIn(ctx context.Context, from, token string, amount int64) error {
	return nil
}

func (NoopTransfer) TransferOut(ctx context.Context, to, token string, amount int64) error {
	return nil
}
