// Command loom runs a sync worker daemon.
//
// The daemon connects to Temporal, MongoDB, and Redis, registers the
// RunSourceConnection workflow with its activities, and starts polling the
// task queue. It also serves an ops HTTP endpoint with health checks, a
// progress SSE bridge, and optional debug handlers.
//
// # Configuration
//
// Environment variables:
//
//	LOOM_HTTP_ADDR          - Ops HTTP listen address (default: ":8080")
//	LOOM_ENCRYPTION_KEY     - Base64 AES-256 key for credential payloads (required)
//	LOOM_OAUTH_CATALOG      - Path to the OAuth provider catalog YAML (optional)
//	LOOM_MAX_WORKERS        - Per-job entity task concurrency (default: 100)
//	TEMPORAL_HOSTPORT       - Temporal frontend address (default: "localhost:7233")
//	TEMPORAL_NAMESPACE      - Temporal namespace (default: "default")
//	TEMPORAL_TASK_QUEUE     - Task queue to poll (default: "loom-sync")
//	MONGO_URL               - MongoDB connection URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE          - Database holding the sync stores (default: "loom")
//	REDIS_URL               - Redis connection address (default: "localhost:6379")
//	REDIS_PASSWORD          - Redis password (optional)
//	OPENAI_API_KEY          - Enables openai/* embedding models
//	AWS_REGION              - Enables bedrock/* embedding models (with AWS creds env)
//	EMBED_TPM               - Initial embedding tokens-per-minute budget (default: 300000)
//	EMBED_TPM_MAX           - Embedding tokens-per-minute ceiling (default: 1000000)
//
// # Example
//
//	LOOM_ENCRYPTION_KEY=$(head -c32 /dev/urandom | base64) \
//	TEMPORAL_HOSTPORT=localhost:7233 MONGO_URL=mongodb://localhost:27017 \
//	REDIS_URL=localhost:6379 go run ./cmd/loom
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	credentialsmongo "github.com/weftworks/loom/features/credentials/mongo"
	destinationmongo "github.com/weftworks/loom/features/destination/mongo"
	"github.com/weftworks/loom/features/embed/bedrock"
	"github.com/weftworks/loom/features/embed/middleware"
	"github.com/weftworks/loom/features/embed/openai"
	jobmongo "github.com/weftworks/loom/features/job/mongo"
	ledgermongo "github.com/weftworks/loom/features/ledger/mongo"
	"github.com/weftworks/loom/features/mongodb"
	progressredis "github.com/weftworks/loom/features/progress/redis"
	"github.com/weftworks/loom/features/progress/sse"
	_ "github.com/weftworks/loom/features/source/postgres"
	"github.com/weftworks/loom/runtime/ingest/credentials"
	"github.com/weftworks/loom/runtime/ingest/destination"
	"github.com/weftworks/loom/runtime/ingest/embed"
	temporalengine "github.com/weftworks/loom/runtime/ingest/engine/temporal"
	"github.com/weftworks/loom/runtime/ingest/orchestrator"
	"github.com/weftworks/loom/runtime/ingest/runner"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	dbgF := flag.Bool("debug", false, "Enable debug logs and debug HTTP handlers")
	flag.Parse()

	// Setup logging.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := telemetry.NewClueLogger()

	// Load configuration from environment.
	httpAddr := envOr("LOOM_HTTP_ADDR", ":8080")
	temporalHostPort := envOr("TEMPORAL_HOSTPORT", "localhost:7233")
	temporalNamespace := envOr("TEMPORAL_NAMESPACE", "default")
	taskQueue := envOr("TEMPORAL_TASK_QUEUE", runner.DefaultTaskQueue)
	mongoURL := envOr("MONGO_URL", "mongodb://localhost:27017")
	mongoDatabase := envOr("MONGO_DATABASE", "loom")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	maxWorkers := envIntOr("LOOM_MAX_WORKERS", 0)

	keyB64 := os.Getenv("LOOM_ENCRYPTION_KEY")
	if keyB64 == "" {
		return errors.New("LOOM_ENCRYPTION_KEY is required")
	}
	key, err := credentials.KeyFromBase64(keyB64)
	if err != nil {
		return fmt.Errorf("parse LOOM_ENCRYPTION_KEY: %w", err)
	}
	cipher, err := credentials.NewCipher(key)
	if err != nil {
		return fmt.Errorf("build credential cipher: %w", err)
	}
	catalog, err := loadCatalog(os.Getenv("LOOM_OAUTH_CATALOG"))
	if err != nil {
		return err
	}

	// Connect to MongoDB.
	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(mongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Printf(ctx, "disconnect mongodb: %v", err)
		}
	}()
	if err := mongodb.Pinger(mongoClient, "mongodb").Ping(ctx); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}

	// Connect to Redis. Subscriptions get their own client with reads that
	// never time out.
	redisOpts := &redis.Options{Addr: redisURL, Password: redisPassword}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf(ctx, "close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	subscriber := progressredis.SubscriberClient(redisOpts)
	defer func() {
		if err := subscriber.Close(); err != nil {
			log.Printf(ctx, "close redis subscriber: %v", err)
		}
	}()
	publisher, err := progressredis.New(progressredis.Options{Client: rdb, Subscriber: subscriber})
	if err != nil {
		return fmt.Errorf("create progress publisher: %w", err)
	}

	// Durable stores.
	ledgerStore, err := ledgermongo.New(ledgermongo.Options{Client: mongoClient, Database: mongoDatabase})
	if err != nil {
		return fmt.Errorf("create ledger store: %w", err)
	}
	jobStore, err := jobmongo.New(jobmongo.Options{Client: mongoClient, Database: mongoDatabase})
	if err != nil {
		return fmt.Errorf("create job store: %w", err)
	}
	credentialStore, err := credentialsmongo.New(credentialsmongo.Options{Client: mongoClient, Database: mongoDatabase})
	if err != nil {
		return fmt.Errorf("create credential store: %w", err)
	}
	manager, err := credentials.NewManager(credentials.Options{
		Store:   credentialStore,
		Cipher:  cipher,
		Catalog: catalog,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create credential manager: %w", err)
	}

	// The Mongo destination registers here; the postgres source registers
	// through its package init.
	destination.Register(destinationmongo.Name, destinationmongo.Factory(mongoClient, mongoDatabase))

	// Embedders share one adaptive rate limit, coordinated across daemons
	// through a replicated map.
	tpmMap, err := rmap.Join(ctx, "loom:embed", rdb)
	if err != nil {
		return fmt.Errorf("join embed rate map: %w", err)
	}
	defer tpmMap.Close()
	limiter := middleware.NewAdaptiveRateLimiter(ctx, tpmMap, "tpm",
		float64(envIntOr("EMBED_TPM", 300000)), float64(envIntOr("EMBED_TPM_MAX", 1000000)))
	embedders := newEmbedderResolver(limiter)

	// Orchestrator and workflow runtime.
	orch, err := orchestrator.New(orchestrator.Deps{
		Jobs:        jobStore,
		Ledger:      ledgerStore,
		Cursors:     ledgerStore,
		Publisher:   publisher,
		Credentials: manager,
		Logger:      logger,
	}, orchestrator.Options{MaxWorkers: maxWorkers})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	eng, err := temporalengine.New(temporalengine.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  temporalHostPort,
			Namespace: temporalNamespace,
		},
		WorkerOptions: temporalengine.WorkerOptions{TaskQueue: taskQueue},
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create temporal engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Printf(ctx, "close temporal engine: %v", err)
		}
	}()

	r, err := runner.New(runner.Deps{
		Engine:       eng,
		Jobs:         jobStore,
		Orchestrator: orch,
		Embedders:    embedders,
		Logger:       logger,
	}, runner.Options{TaskQueue: taskQueue})
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	if err := r.Register(ctx); err != nil {
		return fmt.Errorf("register sync workflow: %w", err)
	}
	if err := eng.Worker().Start(); err != nil {
		return fmt.Errorf("start temporal workers: %w", err)
	}
	defer eng.Worker().Stop()

	// Ops HTTP: progress SSE, health, debug.
	mux := http.NewServeMux()
	sseHandler, err := sse.New(sse.Options{Publisher: publisher, Logger: logger})
	if err != nil {
		return fmt.Errorf("create sse handler: %w", err)
	}
	sse.Mount(mux, sseHandler)
	checker := health.NewChecker(
		mongodb.Pinger(mongoClient, "mongodb"),
		progressredis.Pinger(rdb, "redis"),
	)
	mux.Handle("GET /healthz", health.Handler(checker))
	mux.Handle("GET /livez", health.Handler(health.NewChecker()))
	if *dbgF {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}
	var handler http.Handler = mux
	if *dbgF {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: httpAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf(ctx, "ops HTTP server listening on %q", httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "loom worker polling queue %q on %s", taskQueue, temporalHostPort)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("ops HTTP server: %w", err)
	}

	log.Printf(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "shutdown ops HTTP server: %v", err)
	}
	return nil
}

// loadCatalog reads the OAuth provider catalog, or returns an empty catalog
// when no path is configured. Direct-auth sources need no entries.
func loadCatalog(path string) (*credentials.Catalog, error) {
	if path == "" {
		return credentials.ParseCatalog(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read oauth catalog: %w", err)
	}
	catalog, err := credentials.ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parse oauth catalog %s: %w", path, err)
	}
	return catalog, nil
}

// newEmbedderResolver maps a sync's embedding model binding to a provider
// client. Bindings use "provider/model" (e.g. "openai/text-embedding-3-small",
// "bedrock/amazon.titan-embed-text-v2:0"); a bare model name selects OpenAI.
func newEmbedderResolver(limiter *middleware.AdaptiveRateLimiter) runner.EmbedderResolver {
	return runner.EmbedderResolverFunc(func(ctx context.Context, modelID string) (embed.Embedder, error) {
		provider, model := "openai", modelID
		if p, m, ok := strings.Cut(modelID, "/"); ok {
			provider, model = p, m
		}
		var (
			embedder embed.Embedder
			err      error
		)
		switch provider {
		case "openai":
			apiKey := os.Getenv("OPENAI_API_KEY")
			if apiKey == "" {
				return nil, fmt.Errorf("model %q needs OPENAI_API_KEY", modelID)
			}
			embedder, err = openai.NewFromAPIKey(apiKey, openai.Options{Model: model})
		case "bedrock":
			region := os.Getenv("AWS_REGION")
			if region == "" {
				return nil, fmt.Errorf("model %q needs AWS_REGION", modelID)
			}
			embedder, err = bedrock.New(bedrock.Options{
				Runtime: bedrockruntime.New(bedrockruntime.Options{
					Region:      region,
					Credentials: envCredentials(),
				}),
				Model: model,
			})
		default:
			return nil, fmt.Errorf("unknown embedding provider %q in model %q", provider, modelID)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s embedder: %w", provider, err)
		}
		return embed.Chain(embedder, limiter.Middleware()), nil
	})
}

// envCredentials builds a static AWS credentials provider from the standard
// environment variables.
func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id := os.Getenv("AWS_ACCESS_KEY_ID")
		secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
