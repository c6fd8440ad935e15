// internal/server/router.go
//
// 本檔負責 HTTP 路由註冊，與 handler.go 分離：
//   - handler.go 定義「如何處理請求」
//   - router.go 定義「請求如何被導向」與中介層順序
//
// 所有端點同時掛在根路徑與 /api/v1 之下。
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router 建立並回傳整個 HTTP 處理鏈。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(s.logger))
	r.Use(s.metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes(r)
	r.Route("/api/v1", s.routes)
	return r
}

func (s *Server) routes(r chi.Router) {
	// 探針與維運
	r.Get("/ready", s.ready)
	r.Get("/healthy", s.healthy)
	r.Get("/version", s.versionInfo)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// 需要 bearer token
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/transactions", s.submitTransaction)
		r.Get("/transactions/{accountId}", s.getHistory)
		r.Get("/balances/{accountId}", s.getBalance)
	})
}
