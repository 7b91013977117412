// Package httpapi is the thin northbound HTTP surface: a small set of
// endpoints over the Pool, Cache and Session Manager, wrapped in a
// uniform {success, data, error} envelope.
//
// Grounded on server/routes.go (gin.Default(), a CORS middleware built
// from envconfig.AllowedOrigins(), an allowed-hosts middleware gating
// non-loopback callers) and its per-handler error shape in
// server/routes_models_crud.go, generalized from a bare {"error":...}
// body to this package's api.Response envelope.
package httpapi

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/sdxlforge/orchestrator/api"
	"github.com/sdxlforge/orchestrator/cache"
	"github.com/sdxlforge/orchestrator/device"
	"github.com/sdxlforge/orchestrator/envconfig"
	"github.com/sdxlforge/orchestrator/metrics"
	"github.com/sdxlforge/orchestrator/pool"
	"github.com/sdxlforge/orchestrator/session"
)

// Server hosts the northbound HTTP API.
type Server struct {
	addr    net.Addr
	pool    *pool.Pool
	cache   *cache.Cache
	devices *device.Registry
	sess    *session.Manager
	metrics metrics.Recorder
}

// New builds a Server bound to the core components. addr, once the
// listener is known, narrows the allowed-hosts middleware to loopback —
// same posture as allowedHostsMiddleware.
func New(p *pool.Pool, c *cache.Cache, devices *device.Registry, sm *session.Manager, rec metrics.Recorder) *Server {
	if rec == nil {
		rec = metrics.Stub{}
	}
	return &Server{pool: p, cache: c, devices: devices, sess: sm, metrics: rec}
}

// BindAddr records the listener address the allowed-hosts middleware
// checks against. Call before Handler() if you want that gate enforced.
func (s *Server) BindAddr(addr net.Addr) {
	s.addr = addr
}

func isLocalIP(ip netip.Addr) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if parsed, _, err := net.ParseCIDR(a.String()); err == nil && parsed.String() == ip.String() {
				return true
			}
		}
	}
	return false
}

func allowedHost(host string) bool {
	host = strings.ToLower(host)
	if host == "" || host == "localhost" {
		return true
	}
	if hostname, err := os.Hostname(); err == nil && host == strings.ToLower(hostname) {
		return true
	}
	for _, tld := range []string{"localhost", "local", "internal"} {
		if strings.HasSuffix(host, "."+tld) {
			return true
		}
	}
	return false
}

// allowedHostsMiddleware blocks requests whose Host header names
// something other than this machine, unless the server is already bound
// to a non-loopback address. This only guards against
// DNS-rebinding-style Host header abuse, not auth — the boundary itself
// is trusted.
func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}
		if ap, err := netip.ParseAddrPort(addr.String()); err == nil && !ap.Addr().IsLoopback() {
			c.Next()
			return
		}
		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}
		if parsed, err := netip.ParseAddr(host); err == nil {
			if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() || isLocalIP(parsed) {
				c.Next()
				return
			}
		}
		if allowedHost(host) {
			c.Next()
			return
		}
		c.AbortWithStatus(http.StatusForbidden)
	}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Accept"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig), allowedHostsMiddleware(s.addr))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, api.Ok(gin.H{"status": "ok"})) })
	r.GET("/metrics", s.metricsHandler)

	r.POST("/api/load_model", s.loadModelHandler)
	r.POST("/api/unload_model", s.unloadModelHandler)
	r.POST("/api/run_inference", s.runInferenceHandler)
	r.GET("/api/session_status/:id", s.sessionStatusHandler)
	r.POST("/api/cancel_session/:id", s.cancelSessionHandler)
	r.GET("/api/pool_status", s.poolStatusHandler)
	r.POST("/api/suite_cache", s.suiteCacheHandler)
	r.GET("/api/suite_readiness", s.suiteReadinessHandler)
	r.POST("/api/validate_models", s.validateModelsHandler)
	r.POST("/api/batch_load", s.batchLoadHandler)
	r.GET("/api/auto_balance", s.autoBalanceHandler)

	return r
}

// respond writes resp at the HTTP status its error code maps to (200 on
// success).
func respond(c *gin.Context, resp api.Response) {
	status := http.StatusOK
	if !resp.Success {
		status = api.StatusFor(resp.Error.Code)
	}
	c.JSON(status, resp)
}

// classify maps a returned error onto an api.Code by sentinel, for the
// handlers that call straight into the Pool/Session Manager:
// WorkerMissing/not-found -> 404, WorkerNotReady/conflicting state ->
// 409, no available worker -> 503, everything else -> 500.
func classify(err error) api.Code {
	switch {
	case errors.Is(err, pool.ErrWorkerMissing),
		errors.Is(err, cache.ErrNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		return api.CodeNotFound
	case errors.Is(err, pool.ErrWorkerNotReady),
		errors.Is(err, cache.ErrBudgetExceeded):
		return api.CodeConflict
	case errors.Is(err, session.ErrNoAvailableWorker):
		return api.CodeUnavailable
	default:
		return api.CodeInternal
	}
}

func failErr(c *gin.Context, err error) {
	respond(c, api.Fail(classify(err), err.Error()))
}
