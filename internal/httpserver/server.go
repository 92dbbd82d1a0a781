// Package httpserver exposes the file manager over HTTP with gin.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"filebay/internal/auth"
	"filebay/internal/config"
	"filebay/internal/fileops"
	"filebay/internal/fsutil"
	"filebay/internal/middleware"
	"filebay/internal/monitoring"
)

const (
	// multipart parts above this spill to temp files
	multipartMemory = 32 << 20

	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = time.Minute
)

type Options struct {
	Config  config.Config
	Service *fileops.Service
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

type Server struct {
	cfg     config.Config
	svc     *fileops.Service
	metrics *monitoring.Metrics
	log     *zap.Logger
	limiter *middleware.RateLimiter
	engine  *gin.Engine
}

func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("httpserver: service is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = monitoring.New()
	}
	allow, err := auth.ParseAllowList(opts.Config.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("httpserver: %w", err)
	}
	if allow.AllowsAll() {
		log.Warn("allow-list admits every client address")
	}

	s := &Server{
		cfg:     opts.Config,
		svc:     opts.Service,
		metrics: m,
		log:     log,
	}
	if opts.Config.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: opts.Config.RateLimit.RequestsPerSecond,
			Burst:             opts.Config.RateLimit.Burst,
			IdleTTL:           limiterIdleTTL,
		})
		m.TrackRateLimitClients(s.limiter.Clients)
	}

	r := gin.New()
	r.MaxMultipartMemory = multipartMemory
	if err := r.SetTrustedProxies(opts.Config.TrustedProxies); err != nil {
		return nil, fmt.Errorf("httpserver: trusted proxies: %w", err)
	}

	r.Use(gin.Recovery())
	r.Use(middleware.RequestLog(log.Named("http")))
	r.Use(middleware.SecurityHeaders())
	r.Use(monitoring.Middleware(m))
	if len(opts.Config.CORSOrigins) > 0 {
		r.Use(middleware.CORS(opts.Config.CORSOrigins))
	}
	r.Use(auth.Middleware(allow, log.Named("auth")))
	if s.limiter != nil {
		log.Info("rate limiting enabled",
			zap.Float64("rps", opts.Config.RateLimit.RequestsPerSecond),
			zap.Int("burst", opts.Config.RateLimit.Burst),
		)
		r.Use(s.limiter.Middleware())
	}
	r.Use(middleware.BodyLimit(opts.Config.MaxUploadBytes))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/fs/")
	})
	r.GET("/fs/*path", s.handleBrowse)
	r.HEAD("/fs/*path", s.handleBrowse)
	r.POST("/fs/*path", s.handleAction)
	r.GET("/api/capabilities", s.handleCapabilities)
	r.GET("/thumb", s.handleThumb)
	if opts.Config.WebDAV {
		s.mountWebDAV(r)
	}

	m.SetSevenZip(opts.Service.Capabilities().SevenZip)
	s.engine = r
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

// Background runs housekeeping until ctx is done.
func (s *Server) Background(ctx context.Context) {
	if s.limiter == nil {
		<-ctx.Done()
		return
	}
	s.limiter.Run(ctx, limiterSweepEvery)
}

// --- rendering ---

// wantsRedirect is true for plain browser form posts, which get a flash
// redirect instead of a JSON body.
func wantsRedirect(c *gin.Context) bool {
	if c.GetHeader("X-Requested-With") == "XMLHttpRequest" {
		return false
	}
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

func (s *Server) respond(c *gin.Context, rel string, status int, res fileops.Result) {
	if c.Request.Method == http.MethodPost && wantsRedirect(c) {
		level := "success"
		if res.Status == fileops.StatusError {
			level = "danger"
		}
		q := url.Values{"flash": {res.Message}, "level": {level}}
		c.Redirect(http.StatusSeeOther, browseURL(rel)+"?"+q.Encode())
		return
	}
	c.JSON(status, res)
}

func (s *Server) succeed(c *gin.Context, rel, msg string, data any) {
	s.respond(c, rel, http.StatusOK, fileops.Succeed(msg, data))
}

func (s *Server) fail(c *gin.Context, rel string, err error) {
	if middleware.IsTooLarge(err) {
		s.respond(c, rel, http.StatusRequestEntityTooLarge, fileops.Result{
			Status:  fileops.StatusError,
			Message: "Upload exceeds the size limit.",
		})
		return
	}
	kind := fileops.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log.Error("operation failed",
			zap.String("id", middleware.RequestID(c)),
			zap.String("path", rel),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
		_ = c.Error(err)
	}
	s.respond(c, rel, status, fileops.Fail(err))
}

// relParam is the root-relative path named by the /fs/*path wildcard.
func relParam(c *gin.Context) string {
	return strings.Trim(c.Param("path"), "/")
}

func browseURL(rel string) string {
	rel = fsutil.DisplayPath(rel)
	if rel == "" {
		return "/fs/"
	}
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "/fs/" + strings.Join(segs, "/")
}

func parentOf(rel string) string {
	p := path.Dir(rel)
	if p == "." || p == "/" {
		return ""
	}
	return p
}
