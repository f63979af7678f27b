package nacos

import (
	"net"
	"strconv"

	"KelmahIM/global/config"
	"KelmahIM/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

func NewConfigClient(c config.NacosConfig) (config_client.IConfigClient, error) {
	param, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewConfigClient(param)
	return cli, errs.WrapMsg(err, "create nacos config client", "addr", c.Addr)
}

func NewNamingClient(c config.NacosConfig) (naming_client.INamingClient, error) {
	param, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewNamingClient(param)
	return cli, errs.WrapMsg(err, "create nacos naming client", "addr", c.Addr)
}

func clientParam(c config.NacosConfig) (vo.NacosClientParam, error) {
	host, portStr, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return vo.NacosClientParam{}, errs.ErrInvalidArgument.WrapMsg("bad nacos addr", "addr", c.Addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 64)
	if err != nil {
		return vo.NacosClientParam{}, errs.ErrInvalidArgument.WrapMsg("bad nacos port", "addr", c.Addr)
	}
	opts := []constant.ClientOption{
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
	}
	if c.CacheDir != "" {
		opts = append(opts, constant.WithCacheDir(c.CacheDir))
	}
	if c.LogDir != "" {
		opts = append(opts, constant.WithLogDir(c.LogDir))
	}
	if c.Username != "" {
		opts = append(opts, constant.WithUsername(c.Username), constant.WithPassword(c.Password))
	}
	return vo.NacosClientParam{
		ClientConfig:  constant.NewClientConfig(opts...),
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(host, port)},
	}, nil
}
