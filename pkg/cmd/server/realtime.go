package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	_ "github.com/lib/pq"
	nats "github.com/nats-io/nats.go"
	"github.com/prepio/relay/config"
	"github.com/prepio/relay/pkg/realtime/auth"
	"github.com/prepio/relay/pkg/realtime/cluster"
	"github.com/prepio/relay/pkg/realtime/cluster/natsio"
	clusterredis "github.com/prepio/relay/pkg/realtime/cluster/redis"
	"github.com/prepio/relay/pkg/realtime/queue"
	"github.com/prepio/relay/pkg/realtime/ratelimit"
	"github.com/prepio/relay/pkg/realtime/room"
	"github.com/prepio/relay/pkg/realtime/supervisor"
	"github.com/prepio/relay/pkg/storage"
	"github.com/prepio/relay/pkg/storage/memory"
	"github.com/prepio/relay/pkg/storage/postgres"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type realtimeServer struct {
	c      *config.Config
	quitCh chan bool
	doneCh chan bool

	nc     *nats.Conn
	bus    cluster.Bus
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
}

func init() {
	formatter := &logrus.TextFormatter{
		FullTimestamp: true,
	}
	logrus.SetFormatter(formatter)

	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}

func newRealtimeServer(c *config.Config) (*realtimeServer, error) {
	if c.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET is required")
	}

	s := &realtimeServer{
		c:      c,
		quitCh: make(chan bool),
		doneCh: make(chan bool),
	}

	// The cluster backbone is best effort: an unreachable backbone
	// degrades fan-out to this instance only instead of failing startup.
	if c.NATSServerURL != "" {
		nc, err := nats.Connect(c.NATSServerURL,
			nats.DrainTimeout(10*time.Second),
			nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
				log.Errorf("nats error: %v", err)
			}),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warnf("nats disconnected, cross-instance fan-out degraded: %v", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				log.Info("nats reconnected")
			}))
		if err != nil {
			log.Warnf("could not connect to nats, fan-out degrades to single instance: %v", err)
		} else {
			s.nc = nc
			s.bus = natsio.NewBus(nc)
		}
	} else if c.RedisURL != "" {
		opts, err := goredis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %s", err.Error())
		}
		s.bus = clusterredis.NewBus(goredis.NewClient(opts))
	}

	var store storage.Interface
	if c.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("could not connect to database: %s", err.Error())
		}
		store = postgres.NewStore(db)
	} else {
		store = memory.NewStore()
	}

	limits := ratelimit.NewLimiter(
		ratelimit.Rule{
			Ceiling: intOrDefault(c.RateDefaultCeiling, 30),
			Window:  msOrDefault(c.RateDefaultWindowMS, 10_000),
		},
		map[string]ratelimit.Rule{
			ratelimit.ClassAnalysis: {
				Ceiling: intOrDefault(c.RateAnalysisCeiling, 10),
				Window:  msOrDefault(c.RateAnalysisWindowMS, 60_000),
			},
			ratelimit.ClassScreenshot: {
				Ceiling: intOrDefault(c.RateScreenshotCeiling, 3),
				Window:  msOrDefault(c.RateScreenshotWindowMS, 60_000),
			},
		})

	s.sup = supervisor.New(
		supervisor.Config{
			AuthTimeout:       secOrDefault(c.AuthTimeoutSeconds, 10),
			HeartbeatInterval: secOrDefault(c.HeartbeatIntervalSeconds, 25),
			HeartbeatTimeout:  secOrDefault(c.HeartbeatTimeoutSeconds, 75),
		},
		supervisor.Dependencies{
			Verifier: auth.NewJWTVerifier(c.AuthSecret),
			Router:   defaultRouter(),
			Rooms:    room.NewDirectory(),
			Queue:    queue.NewDeliveryQueue(intOrDefault(c.QueueCapacity, 50), intOrDefault(c.QueueMaxAttempts, 5)),
			Limits:   limits,
			Bus:      s.bus,
			Store:    store,
		})
	s.sup.SubscribeBus()

	return s, nil
}

func (s *realtimeServer) allowedOrigins() []string {
	origins := make([]string, 0)
	for _, o := range strings.Split(s.c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (s *realtimeServer) Serve() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(logger())
	if origins := s.allowedOrigins(); len(origins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
		}))
	}

	// Register realtime endpoints
	handler := supervisor.NewHTTPHandler(s.sup, s.allowedOrigins())
	handler.RegisterRoutes(e)

	// Run the periodic maintenance (heartbeat, queue flush, rate-limit
	// sweep) until shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sup.Run(ctx)

	go func() {
		log.WithFields(log.Fields{
			"host": s.c.BindHost,
			"port": s.c.BindPort,
		}).Info("Starting server")

		if err := e.Start(fmt.Sprintf("%s:%d", s.c.BindHost, s.c.BindPort)); err != nil {
			e.Logger.Info("Shutting down the server")
		}
	}()

	// Wait until receiving the quit signal
	<-s.quitCh
	log.Info("Shutdown signal received")

	// Stop the maintenance loop before the accept loop goes away.
	cancel()

	// Create a 10 second timeout context
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown the echo web server
	if err := e.Shutdown(shutdownCtx); err != nil {
		e.Logger.Error(err)
	}

	// We've done!
	s.doneCh <- true
}

func (s *realtimeServer) Shutdown() {
	// Close the backbone subscription before terminating the accept loop
	// so no orphaned subscriptions survive us.
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Errorf("failed to close cluster bus: %v", err)
		}
	}
	if s.nc != nil {
		s.nc.Drain()
	}

	// Send the quit signal to the server.Serve() routine
	s.quitCh <- true

	// Wait up to 10 seconds
	select {
	case <-s.doneCh:
		log.Info("Shutdown server successful")
	case <-time.After(10 * time.Second):
		log.Error("Shutdown server failed")
	}
}

// Logger returns a middleware that logs HTTP requests.
func logger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			var err error
			if err = next(c); err != nil {
				c.Error(err)
			}
			stop := time.Now()

			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = res.Header().Get(echo.HeaderXRequestID)
			}
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
			}

			log.WithFields(log.Fields{
				"timestamp":     stop.Format(time.RFC3339),
				"id":            id,
				"remote_ip":     c.RealIP(),
				"host":          req.Host,
				"method":        req.Method,
				"uri":           req.RequestURI,
				"protocol":      req.Proto,
				"user_agent":    req.UserAgent(),
				"status":        res.Status,
				"status_text":   http.StatusText(res.Status),
				"error":         errMsg,
				"bytes_out":     res.Size,
				"latency":       stop.Sub(start).Nanoseconds(),
				"latency_human": stop.Sub(start).String(),
			}).Infof("%s %s %s %d %s", req.Method, req.RequestURI, req.Proto,
				res.Status, strconv.FormatInt(res.Size, 10))

			return err
		}
	}
}

// RunServeRealtime starts the realtime relay server.
func RunServeRealtime(c *config.Config) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		s, err := newRealtimeServer(c)
		if err != nil {
			log.Error("failed to create new server instance: ", err)
			os.Exit(1)
		}

		go s.Serve()

		// Wait for interrupt signal to gracefully shutdown the server
		quitCh := make(chan os.Signal, 1)
		signal.Notify(quitCh, os.Interrupt)
		<-quitCh

		// Shutdown the server
		s.Shutdown()
	}
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func secOrDefault(v, def int) time.Duration {
	return time.Duration(intOrDefault(v, def)) * time.Second
}

func msOrDefault(v, def int) time.Duration {
	return time.Duration(intOrDefault(v, def)) * time.Millisecond
}
