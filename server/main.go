package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/gorilla/mux"

	"github.com/tanmoyopenroot/ToolJet/realtime"
)

const Version = "0.1.0"

const DefaultRedisHost = "localhost"
const DefaultRedisPort = 6379

func main() {
	usage := `Realtime collaboration server.

Usage:
    server run [--port=<port>]
        [--redis_host=<redis_host>] [--redis_port=<redis_port>]
        [--redis_password=<redis_password>]
        [--redis_nodes=<redis_nodes>]
        [--database_url=<database_url>]
        [--jwt_secret=<jwt_secret>]
        [--auth_cookie=<auth_cookie>]

Options:
    -h --help                              Show this screen.
    --version                              Show version.
    -p --port=<port>                       Listen port [default: 8081].
    --redis_host=<redis_host>              Redis host.
    --redis_port=<redis_port>              Redis port.
    --redis_password=<redis_password>      Redis password.
    --redis_nodes=<redis_nodes>            Comma-separated redis cluster nodes. Takes precedence.
    --database_url=<database_url>          Postgres url for doc persistence.
    --jwt_secret=<jwt_secret>              HS256 secret for session tokens.
    --auth_cookie=<auth_cookie>            Session cookie name [default: auth_token].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	busConfig := &realtime.BusConfig{
		Host: stringOpt(opts, "--redis_host", envOr("REDIS_HOST", DefaultRedisHost)),
		Port: DefaultRedisPort,
	}
	if redisPort, err := opts.Int("--redis_port"); err == nil {
		busConfig.Port = redisPort
	}
	busConfig.Password = stringOpt(opts, "--redis_password", os.Getenv("REDIS_PASSWORD"))
	if redisNodes := stringOpt(opts, "--redis_nodes", os.Getenv("REDIS_NODES")); redisNodes != "" {
		busConfig.ClusterAddrs = strings.Split(redisNodes, ",")
	}

	jwtSecret := stringOpt(opts, "--jwt_secret", os.Getenv("JWT_SECRET"))
	if jwtSecret == "" {
		glog.Exitf("missing jwt secret")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := realtime.NewPubSubBusWithDefaults(cancelCtx, busConfig)
	if err != nil {
		glog.Exitf("bus config error = %s", err)
	}

	registry := realtime.NewDocRegistry(cancelCtx, bus)

	var persistence realtime.Persistence
	if databaseUrl := stringOpt(opts, "--database_url", os.Getenv("DATABASE_URL")); databaseUrl != "" {
		pgPersistence, err := realtime.NewPgPersistence(cancelCtx, databaseUrl)
		if err != nil {
			glog.Exitf("persistence error = %s", err)
		}
		persistence = pgPersistence
	}

	syncHandler := realtime.NewSyncHandlerWithDefaults(
		cancelCtx,
		registry,
		persistence,
		func() realtime.Merger {
			return realtime.NewLwwState()
		},
	)

	gatewaySettings := realtime.DefaultSessionGatewaySettings()
	gatewaySettings.AuthCookieName = stringOpt(opts, "--auth_cookie", gatewaySettings.AuthCookieName)
	gateway := realtime.NewSessionGateway(
		realtime.NewJwtVerifier([]byte(jwtSecret)),
		syncHandler.HandleConnection,
		gatewaySettings,
	)

	router := mux.NewRouter()
	router.Handle("/realtime/{docId}", gateway)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		glog.Infof("realtime server listening on :%d", port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			glog.Exitf("listen error = %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	glog.Infof("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// drain every binding, then the registry closes the bus connections
	registry.DestroyAll()
	if persistence != nil {
		persistence.Close()
	}
}

func stringOpt(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		if value, ok := valueAny.(string); ok && value != "" {
			return value
		}
	}
	return defaultValue
}

func envOr(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
