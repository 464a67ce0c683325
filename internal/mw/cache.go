package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// CacheHeader reports whether a response came from the cache.
const CacheHeader = "X-Cache"

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type recordingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cache serves repeated GET requests from store for ttl. A request carrying
// "Cache-Control: no-cache" bypasses the lookup and refreshes the entry.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.URL.RequestURI()
		if c.GetHeader("Cache-Control") != "no-cache" {
			if hit, found := store.Get(key); found {
				cached := hit.(cachedResponse)
				for k, v := range cached.headers {
					c.Writer.Header()[k] = v
				}
				c.Writer.Header().Set(CacheHeader, "HIT")
				c.Writer.WriteHeader(cached.status)
				_, _ = c.Writer.Write(cached.body)
				c.Abort()
				return
			}
		}

		c.Writer.Header().Set(CacheHeader, "MISS")
		rw := &recordingWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = rw
		c.Next()

		if rw.Status() >= 200 && rw.Status() < 300 {
			headers := rw.Header().Clone()
			headers.Del(CacheHeader)
			store.Set(key, cachedResponse{
				status:  rw.Status(),
				headers: headers,
				body:    rw.body.Bytes(),
			}, ttl)
		}
	}
}
