package registry

import (
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/cluster-registry/pkg/logger"
	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

// serverFromRecord turns a registration record into a Server. Records whose key
// does not end in host:port are skipped; undecodable payloads keep the server
// with a nil HeartbeatInfo.
func serverFromRecord(key, data string, ctime time.Time) (types.Server, bool) {
	host, port, err := types.ParseAddress(HostFromPath(key))
	if err != nil {
		return types.Server{}, false
	}
	server := types.Server{Host: host, Port: port, CreateTime: ctime}
	if utils.IsEmpty(data) {
		return server, true
	}
	info, err := utils.FromJSON[types.HeartbeatInfo](data)
	if err != nil {
		logger.Named("registry").Warn("decode heartbeat failed", zap.String("key", key), zap.Error(err))
		return server, true
	}
	server.HeartbeatInfo = &info
	if info.ReportTime > 0 {
		server.LastHeartbeatTime = time.UnixMilli(info.ReportTime)
	}
	return server, true
}

func sortServers(servers []types.Server) {
	slice.SortBy(servers, func(a, b types.Server) bool {
		return a.Address() < b.Address()
	})
}
