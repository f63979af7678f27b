package nacos

import (
	"context"

	"KelmahIM/logger"
	"KelmahIM/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource is the part of config_client.IConfigClient the watcher uses.
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Reloader applies a whole config document, e.g. *config.Live.
type Reloader interface {
	Reload(doc []byte) error
}

// Watch reads the document once, applies it, then listens for changes until
// ctx is done. A rejected document is logged and the previous one stays.
func Watch(ctx context.Context, src ConfigSource, dataID, group string, r Reloader) error {
	content, err := src.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errs.WrapMsg(err, "get nacos config", "dataId", dataID, "group", group)
	}
	apply(r, dataID, content) // 第一次读取

	param := vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(_, _, dataId, data string) {
			apply(r, dataId, data)
		},
	}
	if err := src.ListenConfig(param); err != nil {
		return errs.WrapMsg(err, "listen nacos config", "dataId", dataID, "group", group)
	}
	go func() {
		<-ctx.Done()
		if err := src.CancelListenConfig(vo.ConfigParam{DataId: dataID, Group: group}); err != nil {
			logger.Warn("nacos cancel listen failed", zap.String("dataId", dataID), zap.Error(err))
		}
	}()
	return nil
}

func apply(r Reloader, dataID, content string) {
	if content == "" {
		return
	}
	if err := r.Reload([]byte(content)); err != nil {
		logger.Warn("nacos config rejected", zap.String("dataId", dataID), zap.Error(err))
	}
}
