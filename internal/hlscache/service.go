package hlscache

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Service is the caching reverse proxy. It owns the local listener and shares
// one HTTP client and one store across all in-flight requests.
type Service struct {
	cfg Config
	log *zap.Logger

	client    *http.Client
	store     Store
	ownsStore bool
	cache     *cacheManager
	flight    singleflight.Group

	registry *prometheus.Registry
	metrics  *metrics

	engine *gin.Engine
	cdc    atomic.Pointer[Codec]

	mu         sync.Mutex
	srv        *http.Server
	metricsSrv *http.Server

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

// WithHTTPClient replaces the upstream client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithStore replaces the tiered store. The caller keeps ownership and must
// close it.
func WithStore(st Store) Option {
	return func(s *Service) { s.store = st }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithRegistry(r *prometheus.Registry) Option {
	return func(s *Service) { s.registry = r }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, stopCh: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if s.client == nil {
		s.client = &http.Client{
			Timeout:   cfg.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if s.store == nil {
		st, err := OpenTieredStore(TieredStoreOptions{
			Dir:      storeDir(cfg.Storage.Dir, cfg.Storage.Name),
			RAMMax:   cfg.ramMax,
			RAMItems: cfg.Storage.RAM.Items,
			DiskMax:  cfg.diskMax,
			Logger:   s.log,
		})
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownsStore = true
	}

	s.metrics = newMetrics(s.registry, s.store)
	s.cache = &cacheManager{store: s.store, log: s.log}
	s.setCodec(cfg.Addr())
	s.engine = s.newEngine()

	if cfg.statsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEvery)
		}()
	}
	return s, nil
}

func (s *Service) newEngine() *gin.Engine {
	e := gin.New()
	e.HandleMethodNotAllowed = true
	e.Use(accessLog(s.log), gin.Recovery())
	e.GET("/*path", s.handleProxy)
	return e
}

func (s *Service) handleProxy(c *gin.Context) {
	resp, err := s.handle(c.Request.Context(), c.Request.URL)
	if err != nil {
		status := statusFor(err)
		c.Set(outcomeKey, outcomeFor(err))
		_ = c.Error(err)
		c.String(status, http.StatusText(status))
		return
	}

	c.Set(outcomeKey, resp.outcome)
	c.Data(resp.status, resp.contentType, resp.body)
	if resp.persist != nil {
		c.Writer.Flush()
		resp.persist()
	}
}

func (s *Service) codec() Codec {
	return *s.cdc.Load()
}

func (s *Service) setCodec(host string) {
	s.cdc.Store(&Codec{Host: host, Param: s.cfg.Server.OriginParam})
}

// Handler serves proxied requests without a listener of its own.
func (s *Service) Handler() http.Handler {
	return s.engine
}

// Addr is the host:port players are pointed at.
func (s *Service) Addr() string {
	return s.codec().Host
}

// Start binds the listener and serves in the background. Starting a running
// service is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.setCodec(ln.Addr().String())

	s.srv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	s.serve(s.srv, ln, "proxy")

	if s.cfg.Metrics.Listen != "" {
		mln, err := net.Listen("tcp", s.cfg.Metrics.Listen)
		if err != nil {
			_ = s.srv.Close()
			s.srv = nil
			return errors.Wrapf(err, "listen metrics %s", s.cfg.Metrics.Listen)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.serve(s.metricsSrv, mln, "metrics")
	}
	return nil
}

func (s *Service) serve(srv *http.Server, ln net.Listener, name string) {
	s.log.Info("listening", zap.String("server", name), zap.String("addr", ln.Addr().String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", zap.String("server", name), zap.Error(err))
		}
	}()
}

// Stop shuts the listeners down, waiting for in-flight requests until ctx
// expires. The cache stays open so the service can be started again.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
		s.srv = nil
	}
	if s.metricsSrv != nil {
		if merr := s.metricsSrv.Shutdown(ctx); err == nil {
			err = merr
		}
		s.metricsSrv = nil
	}
	return err
}

// Close stops the service, waits for background work and closes the store
// if the service opened it.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.Stop(ctx)
		close(s.stopCh)
		s.wg.Wait()
		if s.ownsStore {
			if cerr := s.store.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// ProxyURL translates an absolute source URL into the URL a player should
// be given.
func (s *Service) ProxyURL(origin string) (string, error) {
	return s.codec().EncodeString(origin)
}

// ClearCache removes every cached record from both tiers.
func (s *Service) ClearCache() error {
	return s.cache.clear()
}

// Registry exposes the collectors for embedding applications.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
