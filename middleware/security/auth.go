package security

import (
	"net/http"
	"strings"

	"KelmahIM/tools/errs"

	"github.com/gin-gonic/gin"
)

// —— context key ——
// 后续模块统一用这个 key 读取当前用户
const CtxUserIDKey = "userId"

type Verifier interface {
	VerifyToken(token string) (userID string, err error)
}

type Options struct {
	HeaderToken               string // 默认 "X-Token"
	EnableAuthorizationBearer bool   // 默认 true
	QueryToken                string // 默认 "token"; websocket clients cannot set headers
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               "X-Token",
		EnableAuthorizationBearer: true,
		QueryToken:                "token",
	}
}

// TokenFrom reads the token from the configured header, then
// Authorization: Bearer, then the query string.
func TokenFrom(r *http.Request, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.HeaderToken != "" {
		if token := strings.TrimSpace(r.Header.Get(opts.HeaderToken)); token != "" {
			return token
		}
	}
	// 兼容 Authorization: Bearer xxx
	if opts.EnableAuthorizationBearer {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	if opts.QueryToken != "" {
		return strings.TrimSpace(r.URL.Query().Get(opts.QueryToken))
	}
	return ""
}

// Middleware rejects the request unless it carries a valid token and puts
// the verified user id into the context.
func Middleware(v Verifier, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := TokenFrom(c.Request, opts)
		if token == "" {
			abort(c, errs.ErrTokenMissing.Wrap())
			return
		}
		userID, err := v.VerifyToken(token)
		if err != nil {
			if !errs.Is(err, errs.ErrUnauthorized) {
				err = errs.ErrTokenInvalid.WrapMsg(err.Error())
			}
			abort(c, err)
			return
		}
		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errs.HTTPStatus(err), errs.Response(err))
}

// UserID returns the id set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
