package errs

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var DefaultCodeRelation = newCodeRelation()

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Wrap attaches a stack to the code error.
func (e CodeError) Wrap() error {
	return errors.WithStack(e)
}

func (e CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e
	if msg != "" || len(kv) > 0 {
		detail := toString(msg, kv)
		if ret.Detail == "" {
			ret.Detail = detail
		} else {
			ret.Detail += ", " + detail
		}
	}
	return errors.WithStack(ret)
}

// Is lets errors.Is match on code: target's code equals e's, or is registered as its parent.
func (e CodeError) Is(target error) bool {
	t, ok := AsCodeError(target)
	if !ok {
		return false
	}
	return DefaultCodeRelation.Is(t.Code, e.Code)
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// AsCodeError finds the first CodeError in err's chain.
func AsCodeError(err error) (CodeError, bool) {
	if err == nil {
		return CodeError{}, false
	}
	var ce CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	var pce *CodeError
	if errors.As(err, &pce) && pce != nil {
		return *pce, true
	}
	return CodeError{}, false
}

// Wrap keeps err as-is but records a stack.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

// Code returns the code carried by err; plain errors map to ServerInternalError.
func Code(err error) int {
	if err == nil {
		return 0
	}
	if ce, ok := AsCodeError(err); ok {
		return ce.Code
	}
	return ServerInternalError
}

// HTTPStatus maps an error to the status code used by the REST surface.
func HTTPStatus(err error) int {
	switch code := Code(err); {
	case code == 0:
		return http.StatusOK
	case DefaultCodeRelation.Is(UnauthorizedError, code):
		return http.StatusUnauthorized
	case DefaultCodeRelation.Is(ForbiddenError, code):
		return http.StatusForbidden
	case DefaultCodeRelation.Is(NotFoundError, code):
		return http.StatusNotFound
	case DefaultCodeRelation.Is(InvalidArgumentError, code):
		return http.StatusBadRequest
	case DefaultCodeRelation.Is(InvariantViolationError, code), code == ConflictError:
		return http.StatusConflict
	case code == RateLimitedError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Response converts any error into the JSON body sent to clients.
func Response(err error) CodeError {
	if ce, ok := AsCodeError(err); ok {
		return ce
	}
	return ErrInternal.WithDetail(err.Error())
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}

type CodeRelation interface {
	Add(codes ...int) error
	Is(parent, child int) bool
}

func newCodeRelation() CodeRelation {
	return &codeRelation{m: make(map[int]map[int]struct{})}
}

type codeRelation struct {
	m map[int]map[int]struct{}
}

func (r *codeRelation) Add(codes ...int) error {
	if len(codes) < 2 {
		return errors.Errorf("codes length must be at least 2, got %v", codes)
	}
	for i := 1; i < len(codes); i++ {
		parent := codes[i-1]
		s, ok := r.m[parent]
		if !ok {
			s = make(map[int]struct{})
			r.m[parent] = s
		}
		for _, code := range codes[i:] {
			s[code] = struct{}{}
		}
	}
	return nil
}

func (r *codeRelation) Is(parent, child int) bool {
	if parent == child {
		return true
	}
	s, ok := r.m[parent]
	if !ok {
		return false
	}
	_, ok = s[child]
	return ok
}

func Is(err, target error) bool { return errors.Is(err, target) }
