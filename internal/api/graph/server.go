package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/config"
	"github.com/lvdashuaibi/ticketsync/internal/service"
)

// HealthCheck 返回非空错误时 /healthz 报告 503
type HealthCheck func(ctx context.Context) error

// Server 提供 GraphQL 查询、/healthz 与 /metrics
type Server struct {
	engine  *gin.Engine
	srv     *http.Server
	schema  *graphql.Schema
	logger  *zap.Logger
	path    string
	timeout time.Duration
}

// NewServer 组装路由，gatherer 为空时使用默认注册表
func NewServer(cfg *config.Config, svc *service.QueryService, gatherer prometheus.Gatherer, health HealthCheck, logger *zap.Logger) (*Server, error) {
	logger = logger.Named("api")
	schema, err := graphql.ParseSchema(schemaString, NewResolver(svc), graphql.UseFieldResolvers())
	if err != nil {
		return nil, fmt.Errorf("解析GraphQL Schema失败: %w", err)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	path := cfg.GraphQL.Path
	if path == "" {
		path = "/graphql"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(logger))

	gql := gin.WrapH(&relay.Handler{Schema: schema})
	engine.POST(path, gql)
	engine.GET(path, gql)
	engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(playgroundHTML, path)))
	})
	engine.GET("/healthz", func(c *gin.Context) {
		if health != nil {
			if err := health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		schema:  schema,
		logger:  logger,
		path:    path,
		timeout: cfg.Server.ShutdownTimeout,
	}, nil
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("请求完成",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Handler 用于测试或挂载到其他服务
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 阻塞直到服务关闭，正常关闭时返回 nil
func (s *Server) Start() error {
	s.logger.Info("GraphQL服务已启动", zap.String("addr", s.srv.Addr), zap.String("path", s.path))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 在 server.shutdown_timeout 内等待请求处理完
func (s *Server) Shutdown(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.srv.Shutdown(ctx)
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>TicketSync GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root">
    <style>
      body {
        background-color: rgb(23, 42, 58);
        font-family: Open Sans, sans-serif;
        height: 90vh;
      }
      #root {
        height: 100%%;
        width: 100%%;
        display: flex;
        align-items: center;
        justify-content: center;
      }
      .loading {
        font-size: 32px;
        font-weight: 200;
        color: rgba(255, 255, 255, .6);
        margin-left: 20px;
      }
      img {
        width: 78px;
        height: 78px;
      }
      .title {
        font-weight: 400;
      }
    </style>
    <img src='https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/logo.png' alt=''>
    <div class="loading"> 
      <span class="title">TicketSync GraphQL Playground</span>
    </div>
  </div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '%s'
      })
    })</script>
</body>
</html>
`
