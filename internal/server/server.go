// Package server exposes the operations surface of the engine: health,
// prometheus metrics and a per-client consistency check.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	balancedomain "github.com/smallbiznis/invoicebalance/internal/balance/domain"
	"github.com/smallbiznis/invoicebalance/internal/config"
	obslogger "github.com/smallbiznis/invoicebalance/internal/observability/logger"
	"github.com/smallbiznis/invoicebalance/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ops.server",
	fx.Provide(NewServer),
	fx.Invoke(run),
)

type Params struct {
	fx.In

	Log      *zap.Logger
	DB       *gorm.DB
	Resolver tenant.Resolver
	Balance  balancedomain.Service
}

type Server struct {
	engine   *gin.Engine
	log      *zap.Logger
	db       *gorm.DB
	resolver tenant.Resolver
	balance  balancedomain.Service
}

func NewServer(p Params) *Server {
	s := &Server{
		log:      p.Log.Named("ops.server"),
		db:       p.DB,
		resolver: p.Resolver,
		balance:  p.Balance,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(s.log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ops := r.Group("/ops/companies/:company_id")
	ops.GET("/clients/:client_id/consistency", s.VerifyClient)

	s.engine = r
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Healthz reports ok when the primary database answers a ping.
func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		AbortWithError(c, errors.Join(ErrServiceUnavailable, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) VerifyClient(c *gin.Context) {
	companyID, err := parseID(c.Param("company_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	clientID, err := parseID(c.Param("client_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	conn, err := s.resolver.Resolve(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.balance.VerifyClient(c.Request.Context(), conn, clientID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"company_id": companyID.String(),
		"client_id":  clientID.String(),
		"consistent": true,
	})
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server) {
	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					s.log.Fatal("ops server stopped", zap.Error(err))
				}
			}()
			s.log.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
