package withdraw

import (
	"context"

	"github.com/google/uuid"
)

// Payout is the instruction handed to the external rail connector.
type Payout struct {
	Reference string
	WalletID  string
	Amount    int64
}

// Dispatcher represents a connector to an external payout rail. Dispatch is
// fire-and-forget: acceptance means the rail took the instruction, not that
// the money moved. The outcome arrives later through the Manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, payout Payout) (Receipt, error)
}

// Receipt captures the rail's acceptance of a payout instruction.
type Receipt struct {
	ConversationID string
	Accepted       bool
}

// StaticDispatcher simulates an always-accepting rail connector.
type StaticDispatcher struct{}

// Dispatch accepts every payout with a generated conversation id.
func (StaticDispatcher) Dispatch(_ context.Context, _ Payout) (Receipt, error) {
	return Receipt{ConversationID: uuid.NewString(), Accepted: true}, nil
}
