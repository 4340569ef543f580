package registry

import (
	"strings"

	"yqhp/cluster-registry/pkg/types"
)

// Keys is the registry key layout below one namespace:
//
//	<ns>/nodes/master/<host:port>
//	<ns>/nodes/worker/<host:port>
//	<ns>/dead-servers
//	<ns>/lock/failover/{startup-masters,masters,workers}
type Keys struct {
	Namespace string
}

// NewKeys builds the layout for namespace, which must start with '/'.
func NewKeys(namespace string) Keys {
	return Keys{Namespace: strings.TrimRight(namespace, "/")}
}

func (k Keys) NodesRoot() string {
	return k.Namespace + "/nodes"
}

func (k Keys) NodeTypeRoot(nodeType types.NodeType) string {
	return k.NodesRoot() + "/" + nodeType.String()
}

func (k Keys) NodePath(nodeType types.NodeType, address string) string {
	return k.NodeTypeRoot(nodeType) + "/" + address
}

func (k Keys) DeadServers() string {
	return k.Namespace + "/dead-servers"
}

func (k Keys) StartupLock() string {
	return k.Namespace + "/lock/failover/startup-masters"
}

// FailoverLock returns the lock that serialises failover of one node type.
func (k Keys) FailoverLock(nodeType types.NodeType) string {
	switch nodeType {
	case types.NodeTypeMaster:
		return k.Namespace + "/lock/failover/masters"
	case types.NodeTypeWorker:
		return k.Namespace + "/lock/failover/workers"
	default:
		return ""
	}
}

// NodeTypeOf classifies a registration path by its parent root.
func (k Keys) NodeTypeOf(path string) (types.NodeType, bool) {
	for _, nt := range []types.NodeType{types.NodeTypeMaster, types.NodeTypeWorker} {
		if strings.HasPrefix(path, k.NodeTypeRoot(nt)+"/") {
			return nt, true
		}
	}
	return "", false
}

// HostFromPath returns the last path segment when it looks like host:port.
func HostFromPath(path string) string {
	idx := strings.LastIndex(path, "/")
	host := path[idx+1:]
	if _, _, err := types.ParseAddress(host); err != nil {
		return ""
	}
	return host
}

// isDirectChild reports whether key is exactly one level below root.
func isDirectChild(root, key string) bool {
	rest, ok := strings.CutPrefix(key, root+"/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}

func deadServerMember(nodeType types.NodeType, host string) string {
	return nodeType.String() + "_" + host
}
