package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventSignalReceived Event = "signal.received"
	EventSignalIgnored  Event = "signal.ignored"

	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderFailed    Event = "order.failed"

	EventPositionChange Event = "position.change"
	EventStopUpdated    Event = "stop.updated"
	EventStopTriggered  Event = "stop.triggered"

	EventReconcileDone Event = "reconcile.done"
	EventDriftAlert    Event = "drift.alert"

	EventControlChange Event = "control.change"
)
