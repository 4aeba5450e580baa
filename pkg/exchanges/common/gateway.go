package common

import "context"

// Gateway abstracts a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, brokerOrderID string) error
}

// FillNotifier is implemented by gateways that report fills after the ack.
type FillNotifier interface {
	Fills() <-chan Fill
}

// Sequencer is implemented by gateways that need basket legs submitted one at a time.
type Sequencer interface {
	RequiresSequencing() bool
}
