package types

// ConnectionState describes the link between this node and the registry.
type ConnectionState string

const (
	ConnectionStateConnected    ConnectionState = "CONNECTED"
	ConnectionStateSuspended    ConnectionState = "SUSPENDED"
	ConnectionStateReconnected  ConnectionState = "RECONNECTED"
	ConnectionStateDisconnected ConnectionState = "DISCONNECTED"
)

// Stoppable is implemented by whatever owns the process lifecycle.
type Stoppable interface {
	Stop(cause string)
}
