package events

// Event enumerates high-level topics inside the trade-execution core.
type Event string

const (
	EventOrderSubmitted Event = "order.submitted"
	EventOrderOpened    Event = "order.opened"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventOrderCancelled Event = "order.cancelled"
	EventMarketPriced   Event = "market.priced"
	EventBalanceDrift   Event = "balance.drift"
)
