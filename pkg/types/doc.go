// Package types defines the core data structures shared by the master registry.
//
// This package contains the fundamental types used throughout the coordinator,
// including:
//   - Cluster node identities and heartbeat payloads
//   - Process and task instance records touched by failover
//   - State events handed to the workflow execution engine
//   - Registry connection states
package types
