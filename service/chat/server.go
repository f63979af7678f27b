package chat

import (
	"KelmahIM/middleware/security"
)

type ServerConf struct {
	AllowOrigins  []string
	SendQueue     int
	MaxFrameBytes int64
	// RateLimit is read at connect time so a reload applies to new connections.
	RateLimit func() int
	Token     *security.Options
}

// Server is the WebSocket gateway of this replica.
type Server struct {
	deps  Deps
	conf  ServerConf
	disp  *Dispatcher
	conns *ConnManager
}

func NewServer(deps Deps, conf ServerConf) *Server {
	if conf.MaxFrameBytes <= 0 {
		conf.MaxFrameBytes = 64 << 10
	}
	if conf.Token == nil {
		conf.Token = security.DefaultOptions()
	}
	return &Server{deps: deps, conf: conf, disp: NewDispatcher(), conns: NewConnManager()}
}

func (s *Server) Deps() Deps               { return s.deps }
func (s *Server) Disp() *Dispatcher        { return s.disp }
func (s *Server) ConnMgr() *ConnManager    { return s.conns }
func (s *Server) Register(hs ...Handler)   { s.disp.Register(hs...) }
func (s *Server) Shutdown(reason string)   { s.conns.CloseAll(reason) }
func (s *Server) rateLimit() int {
	if s.conf.RateLimit == nil {
		return 0
	}
	return s.conf.RateLimit()
}
