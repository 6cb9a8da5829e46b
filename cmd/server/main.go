package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"pricelens/internal/cache"
	"pricelens/internal/config"
	"pricelens/internal/db"
	"pricelens/internal/handler"
	"pricelens/internal/ml/artifacts"
	"pricelens/internal/ml/registry"
	"pricelens/internal/service"
	"pricelens/pkg/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var (
	loadEnvFunc        = godotenv.Load
	loadConfigFunc     = config.Load
	initPostgresFunc   = db.InitPostgres
	initRedisFunc      = cache.InitRedis
	initTracerFunc     = tracing.InitTracer
	newStoreFunc       = artifacts.NewStore
	newModelHolderFunc = service.NewModelHolder
	newHandlerFunc     = handler.New
	newRouterFunc      = gin.Default

	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	store, err := newStoreFunc(cfg.OutDir)
	if err != nil {
		log.Fatalf("open artifact store: %v", err)
	}
	models := newModelHolderFunc(tracer, store)
	if err := models.Reload(ctx); err != nil {
		log.Printf("Warning: initial model load failed: %v", err)
	}

	var lister handler.ModelLister
	if db.Pool != nil {
		lister = service.RegistryModelLister{Repo: registry.NewRepository(db.Pool, tracer)}
	}
	h := newHandlerFunc(tracer, models, service.CacheDriftReader{}, lister)

	r := newRouterFunc()
	r.Use(otelgin.Middleware("pricelens"))
	r.Use(cors.Default())
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ServerBind, cfg.HTTPPort),
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
