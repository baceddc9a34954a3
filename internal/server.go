package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/peakform/trainhub/internal/auth"
	"github.com/peakform/trainhub/internal/config"
	"github.com/peakform/trainhub/internal/db"
	"github.com/peakform/trainhub/internal/middleware"
	"github.com/peakform/trainhub/internal/notify"
	"github.com/peakform/trainhub/internal/telemetry/metrics"
	"github.com/peakform/trainhub/internal/telemetry/tracing"
	"github.com/peakform/trainhub/internal/templates"
	"github.com/peakform/trainhub/internal/workout"
	"github.com/peakform/trainhub/pkg"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config      *config.Config
	dbPool      *pgxpool.Pool
	redisClient *redis.Client

	workoutService *workout.Service

	// telemetry
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config                  *config.Config
	VersionInfo             string
	RedisPassword           string
	HoneycombTracingEnabled bool
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	if params.Config.MigrateOnStartup {
		if err := db.Migrate(
			params.Config.PostgresHost,
			params.Config.PostgresPort,
			params.Config.PostgresDBName,
		); err != nil {
			return nil, fmt.Errorf("migrate db schema: %w", err)
		}
	}

	dbPool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
		DBHost:         params.Config.PostgresHost,
		DBPort:         params.Config.PostgresPort,
		DBName:         params.Config.PostgresDBName,
		TracingEnabled: params.HoneycombTracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("new db pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		log.Warnf("failed to ping db: %s", err)
	}

	pgxpoolCollector := pgxpoolprometheus.NewCollector(
		dbPool,
		map[string]string{"db_name": params.Config.PostgresDBName},
	)
	promRegistry := metrics.SetupPrometheus(pgxpoolCollector)
	metricsManager := metrics.NewManager("trainhub", "backend", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(params.Config.RedisHost, params.Config.RedisPort),
		Password: params.RedisPassword,
		DB:       0, // use default DB
	})

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	// use honeycomb distro to setup OpenTelemetry SDK
	otelShutdown, err := tracing.HoneycombSetup(params.HoneycombTracingEnabled, "trainhub-backend")
	if err != nil {
		return nil, err
	}

	sessionCacheTTL := time.Duration(params.Config.ActiveSessionCacheTTLSeconds) * time.Second
	workoutService := workout.NewService(
		workout.NewRepo(dbPool),
		templates.NewResolver(dbPool),
		notify.NewDispatcher(rdb, notify.DefaultChannel),
		workout.NewSessionCache(rdb, sessionCacheTTL),
		metricsManager,
	)

	return &Server{
		config:      params.Config,
		versionInfo: params.VersionInfo,
		dbPool:      dbPool,
		redisClient: rdb,

		workoutService: workoutService,

		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}, nil
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("trainhub-router"))

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		pkg.WriteTextResponseOK(w, "I'm OK, thanks ;)")
	}).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		pkg.WriteTextResponseOK(w, "ok")
	}).Methods("GET")
	r.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		pkg.WriteTextResponseOK(w, s.versionInfo)
	}).Methods("GET")

	workoutHandler := workout.NewHandler(s.workoutService)

	// starting a session is the only write a stuck retry loop can
	// amplify into conflict noise, so it alone is rate limited
	reqRateLimiter := redis_rate.NewLimiter(s.redisClient)
	startLimiter := middleware.RateLimit(
		reqRateLimiter,
		"start-workout",
		s.config.StartWorkoutRateLimitPerMin,
		s.metricsManager,
	)
	r.Handle("/workouts/start",
		startLimiter(http.HandlerFunc(workoutHandler.HandleStart)),
	).Methods("POST", "OPTIONS").Name("start-workout")

	r.HandleFunc("/workouts/active", workoutHandler.HandleGetActive).Methods("GET", "OPTIONS").Name("get-active-workout")
	r.HandleFunc("/workouts/history/page/{page}/size/{size}", workoutHandler.HandleHistory).Methods("GET", "OPTIONS").Name("workout-history")
	r.HandleFunc("/workouts/{id}", workoutHandler.HandleGet).Methods("GET", "OPTIONS").Name("get-workout")
	r.HandleFunc("/workouts/{id}/complete", workoutHandler.HandleComplete).Methods("POST", "OPTIONS").Name("complete-workout")
	r.HandleFunc("/workouts/{id}/cancel", workoutHandler.HandleCancel).Methods("POST", "OPTIONS").Name("cancel-workout")

	r.HandleFunc("/workouts/exercises/previous/{exerciseId}", workoutHandler.HandlePreviousExecution).Methods("GET", "OPTIONS").Name("previous-execution")
	r.HandleFunc("/workouts/exercises/{id}/start", workoutHandler.HandleStartExercise).Methods("POST", "OPTIONS").Name("start-exercise")
	r.HandleFunc("/workouts/exercises/{id}/complete", workoutHandler.HandleCompleteExercise).Methods("POST", "OPTIONS").Name("complete-exercise")
	r.HandleFunc("/workouts/exercises/{id}/skip", workoutHandler.HandleSkipExercise).Methods("POST", "OPTIONS").Name("skip-exercise")
	r.HandleFunc("/workouts/exercises/{id}/notes", workoutHandler.HandleUpdateExerciseNotes).Methods("PUT", "OPTIONS").Name("update-exercise-notes")
	r.HandleFunc("/workouts/exercises/{id}/sets", workoutHandler.HandleRegisterSet).Methods("POST", "OPTIONS").Name("register-set")

	r.HandleFunc("/workouts/sets/{id}", workoutHandler.HandleUpdateSet).Methods("PUT", "OPTIONS").Name("update-set")
	r.HandleFunc("/workouts/sets/{id}", workoutHandler.HandleDeleteSet).Methods("DELETE", "OPTIONS").Name("delete-set")

	// all the rest - unhandled paths
	r.HandleFunc("/{unknown}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods("GET", "POST", "PUT", "OPTIONS").Name("unknown")

	authMiddleware := middleware.NewAuthMiddlewareHandler(
		auth.NewCustomerChecker(auth.DefaultTTL, s.redisClient),
	)

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors())
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.DrainAndCloseRequest())

	return r
}

func (s *Server) Serve(host string, port int) {
	router := s.routerSetup()

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      router,
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
		ConnState:    s.connStateMetrics,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(
		s.promRegistry,
		promhttp.HandlerOpts{},
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("trainhub service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	s.otelShutdown()
	log.Trace("otel shut down ...")

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if s.dbPool != nil {
		log.Debugln("closing db pool ...")
		s.dbPool.Close() // blocking operation
		log.Debugln("db pool closed")
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error(" >>> failed to gracefully shutdown http server")
	}
	log.Warnln("server shut down")

	if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
		log.Error(" >>> failed to gracefully shutdown metrics http server")
	}
	log.Warnln("metrics server shut down")
}

func (s *Server) connStateMetrics(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metricsManager.GaugeRequests.Add(1)
	case http.StateClosed:
		s.metricsManager.GaugeRequests.Add(-1)
	default:
		// do nothing
	}
}
