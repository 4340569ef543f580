package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeType defines the role of a registered node.
type NodeType string

const (
	// NodeTypeMaster schedules workflows.
	NodeTypeMaster NodeType = "master"
	// NodeTypeWorker executes tasks.
	NodeTypeWorker NodeType = "worker"
)

// String returns the node type as a string.
func (t NodeType) String() string {
	return string(t)
}

// ParseNodeType parses a node type from its string form.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeTypeMaster, NodeTypeWorker:
		return NodeType(s), nil
	default:
		return "", fmt.Errorf("unknown node type: %s", s)
	}
}

// ServerStatus reports whether a node is able to take more work.
type ServerStatus string

const (
	// ServerStatusNormal indicates the node has spare capacity.
	ServerStatusNormal ServerStatus = "NORMAL"
	// ServerStatusAbnormal indicates the node could not measure itself.
	ServerStatusAbnormal ServerStatus = "ABNORMAL"
	// ServerStatusBusy indicates the node exceeded its load or memory limits.
	ServerStatusBusy ServerStatus = "BUSY"
)

// HeartbeatInfo is the payload stored in a node's registration record.
type HeartbeatInfo struct {
	StartupTime                 int64        `json:"startupTime"`
	ReportTime                  int64        `json:"reportTime"`
	CPUUsage                    float64      `json:"cpuUsage"`
	LoadAverage                 float64      `json:"loadAverage"`
	AvailablePhysicalMemorySize float64      `json:"availablePhysicalMemorySize"`
	MaxCPULoadAvg               float64      `json:"maxCpuloadAvg"`
	ReservedMemory              float64      `json:"reservedMemory"`
	ServerStatus                ServerStatus `json:"serverStatus"`
	ProcessID                   int          `json:"processId"`
}

// Server is a live registration as seen through the registry.
type Server struct {
	Host              string
	Port              int
	CreateTime        time.Time
	LastHeartbeatTime time.Time
	HeartbeatInfo     *HeartbeatInfo
}

// Address returns the host:port identity of the server.
func (s Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseAddress splits a host:port identity into its parts.
func ParseAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in address %q: %w", address, err)
	}
	return host, port, nil
}
