package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/agentuity/go-dbcache/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultTTL applies to putCache requests without a ttl parameter.
const DefaultTTL = 5 * time.Minute

// maxTTLMillis is the largest ttl whose duration fits in a time.Duration.
const maxTTLMillis = math.MaxInt64 / int64(time.Millisecond)

// Cache is the cache surface served over HTTP.
type Cache interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context)
}

// Response is the JSON body of every non-2xx reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Server struct {
	cache      Cache
	logger     logger.Logger
	defaultTTL time.Duration
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	engine     *gin.Engine
}

type ServerOption func(*Server)

// WithServerLogger sets the logger used for request logs.
func WithServerLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(d time.Duration) ServerOption {
	return func(s *Server) { s.defaultTTL = d }
}

// WithMetrics sets where HTTP metrics are registered and what /metrics
// serves. Defaults to the prometheus default registry.
func WithMetrics(reg prometheus.Registerer, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.registerer = reg
		s.gatherer = g
	}
}

// NewServer builds the HTTP surface for cache:
//
//	GET|POST /dbCache/putCache?cacheKey=&cacheValue=&ttl=   ttl in ms, negative never expires
//	GET      /dbCache/getCache?cacheKey=
//	GET|POST /dbCache/deleteCache?cacheKey=
//	POST     /dbCache/flush
//	GET      /metrics
//	GET      /healthz
func NewServer(cache Cache, opts ...ServerOption) *Server {
	s := &Server{
		cache:      cache,
		defaultTTL: DefaultTTL,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewConsoleLogger(nil, logger.GetLevelFromEnv())
	}

	engine := gin.New()
	engine.Use(requestID(), requestLogger(logger.ToZap(s.logger.WithPrefix("[http]"))), gin.Recovery())
	engine.Use(newHTTPMetrics(s.registerer).middleware())

	group := engine.Group("/dbCache")
	group.GET("/putCache", s.put)
	group.POST("/putCache", s.put)
	group.GET("/getCache", s.get)
	group.GET("/deleteCache", s.delete)
	group.POST("/deleteCache", s.delete)
	group.POST("/flush", s.flush)

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	s.engine = engine
	return s
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// param reads name from the query string, then from a POST form.
func param(c *gin.Context, name string) (string, bool) {
	if v, ok := c.GetQuery(name); ok {
		return v, true
	}
	return c.GetPostForm(name)
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Success: false, Message: msg})
}

func requiredKey(c *gin.Context) (string, bool) {
	key, ok := param(c, "cacheKey")
	if !ok || key == "" {
		fail(c, http.StatusBadRequest, "cacheKey is required")
		return "", false
	}
	return key, true
}

func (s *Server) put(c *gin.Context) {
	key, ok := requiredKey(c)
	if !ok {
		return
	}
	value, ok := param(c, "cacheValue")
	if !ok {
		fail(c, http.StatusBadRequest, "cacheValue is required")
		return
	}
	ttl := s.defaultTTL
	if raw, ok := param(c, "ttl"); ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "ttl must be an integer number of milliseconds")
			return
		}
		if ms > maxTTLMillis || ms < -maxTTLMillis {
			fail(c, http.StatusBadRequest, "ttl is out of range")
			return
		}
		ttl = time.Duration(ms) * time.Millisecond
	}
	if err := s.cache.Put(c.Request.Context(), key, value, ttl); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, "success")
}

func (s *Server) get(c *gin.Context) {
	key, ok := requiredKey(c)
	if !ok {
		return
	}
	value, found, err := s.cache.Get(c.Request.Context(), key)
	if err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "cache entry does not exist")
		return
	}
	c.String(http.StatusOK, value)
}

func (s *Server) delete(c *gin.Context) {
	key, ok := requiredKey(c)
	if !ok {
		return
	}
	if err := s.cache.Delete(c.Request.Context(), key); err != nil {
		c.Error(err)
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.String(http.StatusOK, "success")
}

func (s *Server) flush(c *gin.Context) {
	s.cache.Flush(c.Request.Context())
	c.String(http.StatusOK, "success")
}
