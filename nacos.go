package main

import (
	"context"

	"KelmahIM/logger"
	"KelmahIM/service/nacos"
	"KelmahIM/tools"

	"go.uber.org/zap"
)

// startNacos follows the remote config document and registers this node.
// Nacos is optional: any failure is logged and the node keeps its local config.
func (a *app) startNacos(ctx context.Context) {
	nc := a.cfg.Nacos
	if !nc.Enabled() {
		return
	}
	if cc, err := nacos.NewConfigClient(nc); err != nil {
		logger.Warn("nacos config client", zap.Error(err))
	} else if err := nacos.Watch(ctx, cc, nc.DataID, nc.Group, a.live); err != nil {
		logger.Warn("nacos config watch", zap.Error(err))
	}

	if nc.Service == "" {
		return
	}
	ip, port, err := nacos.AdvertiseAddr(a.cfg.HTTP.Addr)
	if err != nil {
		logger.Warn("nacos advertise addr", zap.Error(err))
		return
	}
	naming, err := nacos.NewNamingClient(nc)
	if err != nil {
		logger.Warn("nacos naming client", zap.Error(err))
		return
	}
	meta := map[string]string{"node": a.cfg.Node.ID}
	for k, v := range tools.ParseHdr(tools.GetEnv("KIM_NACOS_META", "")) {
		meta[k] = v
	}
	reg := nacos.NewRegistry(naming, nc.Service, ip, port, meta)
	reg.Group = nc.Group
	if err := reg.Register(); err != nil {
		logger.Warn("nacos register", zap.Error(err))
		return
	}
	a.deregister = reg.Deregister
}
