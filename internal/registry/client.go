package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"yqhp/cluster-registry/pkg/types"
)

var (
	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = errors.New("registry: lock acquisition timed out")
	// ErrClosed is returned by a client that has been closed.
	ErrClosed = errors.New("registry: client closed")
)

// Client is the narrow contract the master needs from the coordination service.
type Client interface {
	// AcquireLock blocks until the named cluster-wide lock is held, ctx ends, or the wait limit passes.
	AcquireLock(ctx context.Context, path string) (Lock, error)

	// PersistEphemeral writes value under key; the record disappears when this client's session does.
	PersistEphemeral(ctx context.Context, key, value string) error

	// Remove deletes a record.
	Remove(ctx context.Context, key string) error

	// CheckNodeExists reports whether host (host:port) is registered as nodeType.
	CheckNodeExists(ctx context.Context, host string, nodeType types.NodeType) (bool, error)

	// GetServerList returns the live registrations of nodeType.
	GetServerList(ctx context.Context, nodeType types.NodeType) ([]types.Server, error)

	// ActiveMasterCount returns the number of live master registrations.
	ActiveMasterCount(ctx context.Context) (int, error)

	// Subscribe reports additions and removals of records under rootPath until ctx ends or the subscription is cancelled.
	Subscribe(ctx context.Context, rootPath string, listener Listener) (Subscription, error)

	// GetHostByEventDataPath resolves a registration path to its host:port, or "" when it cannot.
	GetHostByEventDataPath(path string) string

	// HandleDeadServer adds paths to, or deletes them from, the dead-server bookkeeping.
	HandleDeadServer(ctx context.Context, paths []string, nodeType types.NodeType, op DeadServerOp) error

	// IsDeadServer reports whether the registration path was marked dead.
	IsDeadServer(ctx context.Context, path string, nodeType types.NodeType) (bool, error)

	// AddConnectionStateListener registers a callback for connection state transitions.
	AddConnectionStateListener(listener func(types.ConnectionState))

	// Keys returns the key layout used by this client.
	Keys() Keys

	// Close releases the client's resources.
	Close() error
}

// Lock is a held cluster-wide lock.
type Lock interface {
	Path() string
	// Release gives the lock up. Calling it more than once is a no-op.
	Release(ctx context.Context) error
}

// DeadServerOp selects what HandleDeadServer does.
type DeadServerOp int

const (
	// DeadServerAdd records the paths as dead.
	DeadServerAdd DeadServerOp = iota
	// DeadServerDelete clears the dead marker of the paths.
	DeadServerDelete
)

// EventType classifies a subscription event.
type EventType string

const (
	EventAdded   EventType = "ADD"
	EventRemoved EventType = "REMOVE"
)

// Event is a change below a subscribed root.
type Event struct {
	Type EventType
	Path string
}

// Listener receives subscription events. Events of one subscription arrive in
// order on a single goroutine.
type Listener func(Event)

// Subscription is a cancellable subscribe handle.
type Subscription interface {
	Unsubscribe()
}

// WithLock runs fn while holding the lock at path. The lock is released on every
// exit path, including a panic in fn.
func WithLock(ctx context.Context, c Client, path string, fn func(ctx context.Context) error) (err error) {
	lock, err := c.AcquireLock(ctx, path)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", path, err)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("release lock %s: %w", path, rerr))
		}
	}()
	return fn(ctx)
}
