package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/liveness-check/internal/auth"
	"github.com/example/liveness-check/internal/config"
	"github.com/example/liveness-check/internal/embeddings"
	"github.com/example/liveness-check/internal/faceverify"
	"github.com/example/liveness-check/internal/gesture"
	"github.com/example/liveness-check/internal/handlers"
	"github.com/example/liveness-check/internal/imagefetch"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/modeljudge"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/similarity"
	"github.com/example/liveness-check/internal/usecase"
)

func main() {
	// A missing .env is the normal production case; the container runtime
	// injects the environment directly.
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewDecisionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)

	m := metrics.New("liveness")
	cache := usecase.NewRedisCache(redisClient)

	// One session for the whole process: every caller shares the attempt
	// counter and the active detector. SetDetector is the only swap path.
	session := liveness.NewSession(buildDetector(cfg, logger))
	livenessUC := usecase.NewLivenessUseCase(session, cfg.Detector, repo, cache, m, logger)
	defer func() {
		if err := livenessUC.CloseSession(); err != nil {
			logger.Warn("failed to close detector", zap.Error(err))
		}
	}()

	aggregator := similarity.NewAggregator(buildComparers(cfg, logger), logger)
	fetcher := imagefetch.NewHTTPFetcher(imagefetch.DefaultTimeout, logger)
	comparisonUC := usecase.NewComparisonUseCase(aggregator, fetcher, repo, cache, m, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, livenessUC, comparisonUC, authMiddleware, m.Handler(), logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	logger.Info("liveness API listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("detector", cfg.Detector),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// buildDetector selects the active detection strategy. The gesture daemon is
// dialed lazily, so constructing its detector here performs no I/O.
func buildDetector(cfg *config.Config, logger *zap.Logger) liveness.Detector {
	if cfg.Detector == config.DetectorGesture {
		return gesture.NewDetector(cfg.GestureDaemonURL, cfg.GestureVerdictTimeout, logger)
	}
	return liveness.NewHeuristicDetector()
}

// buildComparers wires one comparer per configured provider. Strategies
// without credentials stay out of the map; requesting them later yields a
// service-unavailable error instead of a doomed upstream call.
func buildComparers(cfg *config.Config, logger *zap.Logger) map[similarity.ID]similarity.Comparer {
	comparers := make(map[similarity.ID]similarity.Comparer, 3)

	if cfg.EmbeddingConfigured() {
		comparer, err := embeddings.New(embeddings.Config{
			EndpointURL: cfg.EmbeddingEndpointURL,
			APIKey:      cfg.EmbeddingAPIKey,
			Threshold:   cfg.ApprovalThreshold,
		}, logger)
		if err != nil {
			logger.Fatal("failed to build embeddings comparer", zap.Error(err))
		}
		comparers[similarity.StrategyEmbeddings] = comparer
	} else {
		logger.Warn("embeddings strategy disabled: EMBEDDING_ENDPOINT_URL or EMBEDDING_API_KEY not set")
	}

	if cfg.ModelConfigured() {
		comparer, err := modeljudge.New(modeljudge.Config{
			Endpoint:   cfg.AzureOpenAIEndpoint,
			Deployment: cfg.AzureOpenAIDeployment,
			APIKey:     cfg.AzureOpenAIAPIKey,
			APIVersion: cfg.AzureOpenAIAPIVersion,
			Threshold:  cfg.ApprovalThreshold,
		}, logger)
		if err != nil {
			logger.Fatal("failed to build model comparer", zap.Error(err))
		}
		comparers[similarity.StrategyModel] = comparer
	} else {
		logger.Warn("model strategy disabled: AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT, or AZURE_OPENAI_API_KEY not set")
	}

	if cfg.FaceConfigured() {
		comparer, err := faceverify.New(faceverify.Config{
			Endpoint:  cfg.FaceEndpoint,
			APIKey:    cfg.FaceAPIKey,
			Threshold: cfg.ApprovalThreshold,
		}, logger)
		if err != nil {
			logger.Fatal("failed to build face verification comparer", zap.Error(err))
		}
		comparers[similarity.StrategyFaceVerification] = comparer
	} else {
		logger.Warn("face verification strategy disabled: FACE_ENDPOINT or FACE_APIKEY not set")
	}

	return comparers
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Info)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
