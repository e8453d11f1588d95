package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/auth"
	"github.com/webcall-app/realtime/internal/v1/bus"
	"github.com/webcall-app/realtime/internal/v1/config"
	"github.com/webcall-app/realtime/internal/v1/friends"
	"github.com/webcall-app/realtime/internal/v1/health"
	"github.com/webcall-app/realtime/internal/v1/invites"
	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/middleware"
	"github.com/webcall-app/realtime/internal/v1/ratelimit"
	"github.com/webcall-app/realtime/internal/v1/room"
	"github.com/webcall-app/realtime/internal/v1/store"
	"github.com/webcall-app/realtime/internal/v1/summary"
	"github.com/webcall-app/realtime/internal/v1/tracing"
	"github.com/webcall-app/realtime/internal/v1/voice"
	"github.com/webcall-app/realtime/internal/v1/voicews"
)

const serviceName = "webcall-realtime"

func main() {
	// Load .env for local development; production relies on real env vars.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.IsDev()); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logging.GetLogger().Sync()
	ctx := context.Background()

	// --- Tracing (optional) ---
	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled, collector unreachable", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Token validation ---
	var validator auth.TokenValidator
	switch {
	case cfg.JWKSDomain != "":
		v, err := auth.NewJWKSValidator(ctx, cfg.JWKSDomain, cfg.JWKSAudience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize JWKS validator", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "JWKS validator initialized", zap.String("domain", cfg.JWKSDomain))
	case cfg.JWTSecret != "":
		validator = auth.NewHS256Validator(cfg.JWTSecret)
	case cfg.IsDev():
		logging.Warn(ctx, "no JWT secret configured, accepting unverified tokens (dev only)")
		validator = auth.DevValidator{}
	default:
		logging.Fatal(ctx, "no token validator configured")
	}

	// --- Signal bus ---
	var signalBus bus.SignalBus
	var redisBus *bus.RedisBus
	if cfg.RedisEnabled {
		rb, err := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "redis unreachable, falling back to single-instance mode", zap.Error(err))
			signalBus = bus.NewMemoryBus()
		} else {
			redisBus = rb
			signalBus = rb
			logging.Info(ctx, "redis pub/sub initialized", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		signalBus = bus.NewMemoryBus()
		logging.Info(ctx, "running in single-instance mode")
	}
	defer signalBus.Close()

	// --- Persistence (optional) ---
	var st store.Store = store.Noop{}
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Error(ctx, "postgres unreachable, persistence disabled", zap.Error(err))
		} else {
			st = pg
			defer pg.Close()
			logging.Info(ctx, "postgres connected")
		}
	}

	// --- Summarization plane ---
	collector := voice.NewCollector()
	messageLog := summary.NewMessageLog(cfg.AISummaryMaxMessages)

	var provider summary.Provider
	if cfg.AISummaryEnabled && cfg.OpenAIAPIKey != "" {
		provider = summary.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.AIModelProvider, cfg.AIModelFallback)
	}
	orchestrator := summary.NewOrchestrator(messageLog, collector, provider, st, summary.Options{
		AIEnabled:            cfg.AISummaryEnabled,
		MinChars:             cfg.AISummaryMinChars,
		ParticipantBreakdown: cfg.AISummaryParticipantBreakdown,
		MaxMessages:          cfg.AISummaryMaxMessages,
	})

	// --- Hubs ---
	roomHub := room.NewHub(room.HubConfig{
		Validator:      validator,
		Bus:            signalBus,
		Orchestrator:   orchestrator,
		Directory:      st,
		Recorder:       st,
		AllowGuest:     cfg.IsDev(),
		AllowedOrigins: cfg.AllowedOrigins,
	})
	defer roomHub.Close()

	friendsHub := friends.NewHub(friends.HubConfig{
		Validator:      validator,
		AllowGuest:     cfg.IsDev(),
		AllowedOrigins: cfg.AllowedOrigins,
	})
	defer friendsHub.Close()

	var inviteService invites.Service
	if cfg.CallInvitesBackend == "redis" && redisBus != nil {
		inviteService = invites.NewRedisService(redisBus.Client(), cfg.CallInviteTTLRedis, friendsHub)
	} else {
		if cfg.CallInvitesBackend == "redis" {
			logging.Warn(ctx, "redis invite backend requested without redis, using memory")
		}
		inviteService = invites.NewMemoryService(cfg.CallInviteTTLMem, friendsHub)
	}
	friendsHub.SetInvites(inviteService)

	transcriber := voice.NewASRCaller(cfg.OpenAIAPIKey, cfg.VoiceASRModel)
	voiceHandler := voicews.NewHandler(voicews.HandlerConfig{
		Validator:    validator,
		Collector:    collector,
		Transcriber:  transcriber,
		Orchestrator: orchestrator,
		Enabled:      cfg.VoiceCaptureEnabled,
		MaxTotalMB:   cfg.VoiceMaxTotalMB,
		AllowGuest:   cfg.IsDev(),
		AutoTrigger: func(roomID uuid.UUID, userID string) {
			res := orchestrator.BuildPersonalSummary(context.Background(), roomID, userID)
			if !res.Empty() {
				logging.Info(context.Background(), "auto-triggered personal summary",
					zap.String("roomId", roomID.String()),
					zap.Int("messageCount", res.MessageCount),
					zap.Bool("usedVoice", res.UsedVoice))
			}
		},
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// --- Router ---
	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTelCollectorAddr != "" {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))

	if cfg.RateLimit != "" {
		count, window, _ := config.ParseRateLimit(cfg.RateLimit)
		var limiterClient *redis.Client
		if redisBus != nil {
			limiterClient = redisBus.Client()
		}
		rl, err := ratelimit.New(count, window, limiterClient)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
		}
		router.Use(rl.Middleware())
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:roomId", roomHub.ServeWs)
		wsGroup.GET("/friends", friendsHub.ServeWs)
		wsGroup.GET("/voice_capture/:roomId", voiceHandler.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler()
	if redisBus != nil {
		healthHandler.Register("redis", redisBus.Ping)
	}
	if pg, ok := st.(*store.Postgres); ok {
		healthHandler.Register("postgres", pg.Ping)
	}
	router.GET("/health/live", healthHandler.Live)
	router.GET("/health/ready", healthHandler.Ready)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shut down", zap.Error(err))
	}
	logging.Info(ctx, "server exiting")
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
