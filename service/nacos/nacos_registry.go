package nacos

import (
	"net"
	"strconv"

	"KelmahIM/logger"
	"KelmahIM/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Naming is the part of naming_client.INamingClient the registry uses.
type Naming interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

// Registry announces this node so load balancers can find its HTTP/WS port.
type Registry struct {
	ServiceName string
	IP          string
	Port        uint64
	Group       string
	Metadata    map[string]string

	client Naming
}

func NewRegistry(client Naming, serviceName, ip string, port uint64, meta map[string]string) *Registry {
	return &Registry{
		ServiceName: serviceName,
		IP:          ip,
		Port:        port,
		Group:       "DEFAULT_GROUP",
		Metadata:    meta,
		client:      client,
	}
}

func (r *Registry) Register() error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.Metadata,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.ServiceName)
	}
	if !ok {
		return errs.ErrInternal.WrapMsg("nacos register returned false", "service", r.ServiceName)
	}
	logger.Info("registered with nacos", zap.String("service", r.ServiceName), zap.String("ip", r.IP), zap.Uint64("port", r.Port))
	return nil
}

func (r *Registry) Deregister() {
	ok, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.IP,
		Port:        r.Port,
		ServiceName: r.ServiceName,
		GroupName:   r.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil || !ok {
		logger.Warn("nacos deregister failed", zap.String("service", r.ServiceName), zap.Bool("ok", ok), zap.Error(err))
	}
}

// AdvertiseAddr turns a listen address such as ":8080" into the ip/port
// other services should dial. An unspecified host is replaced by the first
// non-loopback IPv4 address of this machine.
func AdvertiseAddr(listen string) (string, uint64, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, errs.ErrInvalidArgument.WrapMsg("bad listen addr", "addr", listen)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, errs.ErrInvalidArgument.WrapMsg("bad listen port", "addr", listen)
	}
	if ip := net.ParseIP(host); host != "" && ip != nil && !ip.IsUnspecified() {
		return host, port, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", 0, errs.WrapMsg(err, "list interface addrs")
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String(), port, nil
		}
	}
	return "127.0.0.1", port, nil
}
