package http

import "github.com/gin-gonic/gin"

// GinMiddleware is Middleware for gin engines.
func GinMiddleware(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		enf := src.Current()
		if enf == nil {
			c.Next()
			return
		}

		out := enf.Enforce(c.Request)
		switch {
		case out.Response != nil:
			out.Response.Write(c.Writer)
			c.Abort()
		case out.Err != nil:
			c.Abort()
		default:
			c.Next()
		}
	}
}
