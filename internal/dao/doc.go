// Package dao persists process instances, task instances and queued commands
// for the failover coordinator.
package dao
