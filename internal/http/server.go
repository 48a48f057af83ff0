package http

import (
	"context"
	"net/http"
	"time"

	"avm.io/avm-wallet/internal/adapter"
	"avm.io/avm-wallet/internal/auth"
	"avm.io/avm-wallet/pkg/errors"
	"avm.io/avm-wallet/pkg/log"
	"avm.io/avm-wallet/pkg/log/middleware"
	"github.com/gin-gonic/gin"
)

const (
	codeOK          = 0
	codeBadRequest  = 4000
	codeInvalidAuth = 4001
	codeNotFound    = 4004
	codeRateLimited = 4029
)

// WalletLister is what the server needs from the adapter registry.
type WalletLister interface {
	WalletInfo() []adapter.Info
}

type Options struct {
	// Issuer enables JWT tokens; without it only legacy tokens verify.
	Issuer *auth.Issuer
	// Cookie builds the cookie set after an exchange; nil sets none.
	Cookie  func(address, token string) *http.Cookie
	Limiter Limiter
	Wallets WalletLister
	// RequestTimeout defaults to the middleware timeout.
	RequestTimeout time.Duration
	Now            func() time.Time
}

type Server struct {
	opts   Options
	router *gin.Engine
}

func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveredHTTPLog(), middleware.TimeoutHTTP(opts.RequestTimeout))

	s := &Server{opts: opts, router: router}
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"code": codeOK})
	})
	router.GET("/wallets", s.wallets)
	group := router.Group("/auth", s.rateLimit)
	group.POST("/verify", s.verify)
	group.POST("/exchange", s.exchange)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Infof("http - listening on %s", addr)
	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "http shutdown")
}

func fail(ctx *gin.Context, status, code int, msg string) {
	ctx.AbortWithStatusJSON(status, gin.H{"code": code, "msg": msg})
}

func (s *Server) rateLimit(ctx *gin.Context) {
	if s.opts.Limiter == nil {
		ctx.Next()
		return
	}
	retryAfter, ok, err := s.opts.Limiter.Allow(ctx.Request.Context(), "avm-wallet:auth:"+ctx.ClientIP())
	if err != nil {
		// a broken limiter must not lock users out
		log.Errorf("http - rate limiter: %v", err)
		ctx.Next()
		return
	}
	if !ok {
		ctx.Header("Retry-After", retryAfterSeconds(retryAfter))
		fail(ctx, http.StatusTooManyRequests, codeRateLimited, "too many requests")
		return
	}
	ctx.Next()
}

func (s *Server) wallets(ctx *gin.Context) {
	if s.opts.Wallets == nil {
		ctx.JSON(http.StatusOK, gin.H{"code": codeOK, "data": []adapter.Info{}})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": codeOK, "data": s.opts.Wallets.WalletInfo()})
}

type tokenRequest struct {
	Address string `json:"address" binding:"required"`
	Token   string `json:"token" binding:"required"`
}

func (s *Server) verify(ctx *gin.Context) {
	var req tokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, http.StatusBadRequest, codeBadRequest, "address and token are required")
		return
	}
	var (
		claims *auth.Claims
		err    error
	)
	if s.opts.Issuer != nil {
		claims, err = s.opts.Issuer.VerifyAny(req.Token, req.Address)
	} else {
		claims, err = auth.VerifyToken(req.Token, req.Address, s.opts.Now())
	}
	if err != nil {
		fail(ctx, http.StatusUnauthorized, codeInvalidAuth, err.Error())
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": codeOK, "data": gin.H{
		"address":   claims.Address,
		"expiresAt": claims.ExpiresAt.UTC().Format(time.RFC3339),
	}})
}

// exchange trades a verified legacy token for a JWT.
func (s *Server) exchange(ctx *gin.Context) {
	if s.opts.Issuer == nil {
		fail(ctx, http.StatusNotFound, codeNotFound, "token exchange is disabled")
		return
	}
	var req tokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		fail(ctx, http.StatusBadRequest, codeBadRequest, "address and token are required")
		return
	}
	token, err := s.opts.Issuer.Exchange(req.Token, req.Address)
	if err != nil {
		fail(ctx, http.StatusUnauthorized, codeInvalidAuth, err.Error())
		return
	}
	if s.opts.Cookie != nil {
		http.SetCookie(ctx.Writer, s.opts.Cookie(req.Address, token))
	}
	ctx.JSON(http.StatusOK, gin.H{"code": codeOK, "data": gin.H{"token": token}})
}
