package middleware

import (
	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

// Router 封装 auth 挂载; the auth handler is built once from the verifier.
type Router struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

func NewRouter(r gin.IRoutes, auth gin.HandlerFunc) *Router {
	return &Router{r: r, auth: auth}
}

func (rt *Router) handle(method, path string, h gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth && rt.auth != nil {
		rt.r.Handle(method, path, rt.auth, h)
		return
	}
	rt.r.Handle(method, path, h)
}

func (rt *Router) GET(path string, h gin.HandlerFunc, opt RouteOpt)    { rt.handle("GET", path, h, opt) }
func (rt *Router) POST(path string, h gin.HandlerFunc, opt RouteOpt)   { rt.handle("POST", path, h, opt) }
func (rt *Router) PUT(path string, h gin.HandlerFunc, opt RouteOpt)    { rt.handle("PUT", path, h, opt) }
func (rt *Router) DELETE(path string, h gin.HandlerFunc, opt RouteOpt) { rt.handle("DELETE", path, h, opt) }
