// Package client serves the campaign ledger to users over HTTP and pushes
// ledger events to front ends over WebSocket.
package client

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/account"
	"github.com/crowdfund/config"
	"github.com/crowdfund/contract/crowdfunding"
	"github.com/crowdfund/event"
	"github.com/crowdfund/levelDB"
	"github.com/crowdfund/meta"
	"github.com/crowdfund/metrics"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/unrolled/secure"
)

const shutdownTimeout = 5 * time.Second

// RecentEvents serves the newest mirrored events, e.g. from Redis.
type RecentEvents interface {
	Recent(ctx context.Context, n int64) ([]meta.Event, error)
}

type Options struct {
	Ledger  *crowdfunding.Ledger
	Bank    *account.State
	Events  *event.Log
	DB      *levelDB.DB        // spent request signatures
	Hub     *Hub               // nil disables /events/ws
	Recent  RecentEvents       // nil disables /events/recent
	Metrics *metrics.Collector // nil disables rejection counting
	HTTP    config.HTTP
	MaxSkew time.Duration
	Now     func() time.Time
}

type Server struct {
	ledger  *crowdfunding.Ledger
	bank    *account.State
	events  *event.Log
	hub     *Hub
	recent  RecentEvents
	metrics *metrics.Collector
	replay  *ReplayGuard
	auth    *Authenticator
	now     func() time.Time
	router  *gin.Engine
}

func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	replay := NewReplayGuard(opts.DB, opts.MaxSkew)
	s := &Server{
		ledger:  opts.Ledger,
		bank:    opts.Bank,
		events:  opts.Events,
		hub:     opts.Hub,
		recent:  opts.Recent,
		metrics: opts.Metrics,
		replay:  replay,
		auth:    NewAuthenticator(opts.MaxSkew, opts.Now, replay),
		now:     opts.Now,
	}
	s.router = s.routes(opts.HTTP)
	return s
}

func (s *Server) routes(cfg config.HTTP) *gin.Engine {
	r := gin.Default()
	r.Use(Cors()) // 使用跨域组件
	r.Use(TlsHandler(cfg))

	signed := s.auth.Middleware(s.fail)
	r.POST("/campaigns", signed, s.createCampaign)                   // 发起众筹
	r.POST("/campaigns/:id/contribute", signed, s.contribute)        // 参与众筹
	r.POST("/campaigns/:id/withdraw", signed, s.withdrawFunds)       // 提取资金
	r.GET("/campaigns", s.listCampaigns)                             // 分页查询
	r.GET("/campaigns/count", s.campaignCount)                       // 众筹数量
	r.GET("/campaigns/:id", s.getCampaignDetails)                    // 众筹详情
	r.GET("/campaigns/:id/contributions/:address", s.getContributor) // 个人出资
	r.POST("/accounts", signed, s.registerAccount)                   // 注册账户
	r.GET("/accounts/:address", s.getAccount)                        // 查询余额
	r.GET("/events", s.getEvents)                                    // 事件日志
	if s.recent != nil {
		r.GET("/events/recent", s.getRecentEvents) // Redis 中的最新事件
	}
	if s.hub != nil {
		r.GET("/events/ws", s.hub.serveWS) // 与前端建立websocket
	}
	return r
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Infof("crowdfund api listening on %s", addr)

	pruneEvery := s.replay.window
	if pruneEvery < time.Minute {
		pruneEvery = time.Minute
	}
	go s.replay.Run(ctx, pruneEvery, s.now)

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	if s.hub != nil {
		s.hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}

func Cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		origin := c.Request.Header.Get("Origin")

		allowHeaders := "Content-Type, " + HeaderAddress + ", " + HeaderTimestamp + ", " + HeaderSignature
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			c.Header("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Content-Type")
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		if method == http.MethodOptions {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			}
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// TlsHandler sets the usual security headers and, when configured,
// redirects plain HTTP to SSLHost.
func TlsHandler(cfg config.HTTP) gin.HandlerFunc {
	secureMiddleware := secure.New(secure.Options{
		SSLRedirect:        cfg.SSLRedirect,
		SSLHost:            cfg.SSLHost,
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
	})
	return func(c *gin.Context) {
		err := secureMiddleware.Process(c.Writer, c.Request)

		// If there was an error, do not continue.
		if err != nil {
			c.Abort()
			return
		}
		// Avoid header rewrite if response is a redirection.
		if status := c.Writer.Status(); status > 300 && status < 399 {
			c.Abort()
			return
		}
		c.Next()
	}
}
