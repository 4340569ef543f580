// Package registry is the coordinator's view of the coordination service.
//
// A Client stores ephemeral node registrations, reports removals to
// subscribers, hands out cluster-wide locks and reports its own connection
// state. RedisClient is the production implementation; MemoryClient keeps
// everything in process for standalone runs and tests.
package registry
