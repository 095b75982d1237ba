package hook

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request id in and out.
	RequestIDHeader = "X-Request-ID"
	// UnmatchedHandler names handler and method for requests no route matched.
	UnmatchedHandler = "unknown"
)

// Middleware adapts the hook to gin. Handler and method names are derived
// from the function registered for the route.
func (h *RequestMetricsHook) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		info := HandlerInfo{Handler: UnmatchedHandler, Method: UnmatchedHandler}
		if c.FullPath() != "" {
			info = ParseHandlerName(c.HandlerName())
		}
		h.OnRequestStart(requestID, info)
		c.Next()
		h.OnRequestEnd(requestID, c.Writer.Status(), info)
	}
}

// ParseHandlerName turns a Go function name such as
// "example.com/app/api.(*Server).handleHealth-fm" into its receiver type and
// method. Plain functions report their package as the handler.
func ParseHandlerName(fn string) HandlerInfo {
	fn = strings.TrimSuffix(fn, "-fm")
	slash := strings.LastIndexByte(fn, '/')
	rest := fn[slash+1:]

	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return HandlerInfo{Handler: rest, Method: rest}
	}
	method := rest[dot+1:]
	owner := rest[:dot]
	if i := strings.IndexByte(owner, '.'); i >= 0 {
		owner = owner[i+1:]
	}
	owner = strings.Trim(owner, "(*)")
	return HandlerInfo{Handler: owner, Method: method}
}
