package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"seatwatch/internal/alerts"
	"seatwatch/internal/config"
	"seatwatch/internal/handlers"
	"seatwatch/internal/kafka"
	"seatwatch/internal/logger"
	"seatwatch/internal/metrics"
	"seatwatch/internal/middleware"
	"seatwatch/internal/models"
	"seatwatch/internal/retention"
	"seatwatch/internal/storage"
	"seatwatch/internal/worker"
)

// Processor is the high-level coordinator: it owns the store, the change
// engine, the HTTP API, the Kafka update consumer, the notification fan-out
// and the retention schedule.
type Processor struct {
	cfg          *config.Config
	store        storage.Store
	ownsStore    bool
	engine       *ChangeProcessor
	producer     *kafka.Producer
	consumer     *kafka.Consumer
	pruner       *retention.Pruner
	workerPool   *worker.Pool
	httpServer   *http.Server
	listener     net.Listener
	envelopeChan chan *models.Envelope
	dispatcher   *ChannelDispatcher
	nodeID       string
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	nodeID := cfg.Engine.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	envelopeChan := make(chan *models.Envelope, cfg.Engine.DispatchBuffer)
	return &Processor{
		cfg:          cfg,
		envelopeChan: envelopeChan,
		dispatcher:   NewChannelDispatcher(envelopeChan, nodeID),
		nodeID:       nodeID,
	}
}

// UseStore runs the processor on an already open store. The caller keeps
// ownership and closes it.
func (p *Processor) UseStore(s storage.Store) {
	p.store = s
}

// UseListener serves HTTP on l instead of listening on cfg.HTTP.Addr
func (p *Processor) UseListener(l net.Listener) {
	p.listener = l
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts down in order: update sources first, then
// the fan-out queue, then Kafka, then the store.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("node", p.nodeID).Msg("processor starting")

	if err := p.init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		p.closeResources()
		return err
	}

	p.workerPool.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", p.listener.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if p.consumer != nil {
		g.Go(func() error { return p.consumer.Run(gctx) })
	}
	if p.pruner != nil {
		g.Go(func() error { return p.pruner.Run(gctx) })
	}

	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		return p.stopHTTP()
	})

	// Every update source has stopped once Wait returns
	err := g.Wait()
	p.shutdown()
	return err
}

// init builds every component from the config
func (p *Processor) init(ctx context.Context) error {
	log := logger.WithComponent("processor")

	if p.store == nil {
		store, err := storage.Open(ctx, p.cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		p.store = store
		p.ownsStore = true
	}

	p.engine = NewChangeProcessor(p.store, p.engineOptions()...)

	var publisher worker.Publisher = worker.LogPublisher{}
	if p.cfg.Kafka.Enabled {
		if err := p.initKafka(); err != nil {
			return err
		}
		publisher = p.producer
	}

	p.workerPool = worker.NewPool(worker.Config{
		Publisher:      publisher,
		EnvelopeChan:   p.envelopeChan,
		Workers:        p.cfg.Engine.Workers,
		BatchSize:      p.cfg.Kafka.Producer.BatchSize,
		BatchTimeout:   p.cfg.Kafka.Producer.BatchTimeout,
		PublishTimeout: p.cfg.Kafka.Producer.WriteTimeout,
	})

	if p.cfg.Retention.Enabled {
		pruner, err := retention.NewPruner(p.store, p.cfg.Retention.Schedule, p.cfg.Retention.MaxAge)
		if err != nil {
			return err
		}
		p.pruner = pruner
	}

	if err := p.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	log.Info().
		Bool("kafka", p.cfg.Kafka.Enabled).
		Bool("retention", p.cfg.Retention.Enabled).
		Int("dispatch_buffer", cap(p.envelopeChan)).
		Msg("components initialized")
	return nil
}

func (p *Processor) engineOptions() []Option {
	return []Option{
		WithPolicy(alerts.SeatPolicy{AvailableStatus: models.NormalizeStatus(models.Status(p.cfg.Engine.AvailableStatus))}),
		WithDeepLinkBase(p.cfg.Engine.DeepLinkBase),
		WithDispatcher(p.dispatcher),
	}
}

// initKafka creates the notification producer and the update consumer
func (p *Processor) initKafka() error {
	log := logger.WithComponent("processor")
	kcfg := p.cfg.Kafka

	producer, err := kafka.NewProducer(kcfg.Brokers, kcfg.NotificationsTopic, kcfg.Producer)
	if err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	p.producer = producer

	// shares the lock table so HTTP and Kafka updates to one resource serialize
	consumerEngine := NewChangeProcessor(p.store,
		append(p.engineOptions(), WithLocker(p.engine.locks), WithSource("kafka"))...)
	consumer, err := kafka.NewConsumer(kcfg, consumerEngine)
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	p.consumer = consumer

	log.Info().
		Strs("brokers", kcfg.Brokers).
		Str("updates_topic", kcfg.UpdatesTopic).
		Str("notifications_topic", kcfg.NotificationsTopic).
		Str("group_id", kcfg.GroupID).
		Msg("kafka initialized")
	return nil
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() error {
	mux := http.NewServeMux()

	handlers.New(handlers.Config{
		Store:       p.store,
		Updater:     p.engine,
		MaxBodySize: p.cfg.HTTP.MaxBodySize,
	}).Routes(mux)

	mux.HandleFunc("GET /health", p.healthHandler)
	mux.HandleFunc("GET /stats", p.statsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	p.httpServer = &http.Server{
		Handler: middleware.Chain(mux,
			middleware.Recovery,
			middleware.Logging,
			middleware.RateLimit(p.cfg.HTTP.RateLimit, p.cfg.HTTP.RateBurst),
		),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}

	if p.listener == nil {
		l, err := net.Listen("tcp", p.cfg.HTTP.Addr)
		if err != nil {
			return err
		}
		p.listener = l
	}
	return nil
}

// stopHTTP stops accepting requests and waits for in-flight ones
func (p *Processor) stopHTTP() error {
	log := logger.WithComponent("processor")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		p.httpServer.Close()
	}
	return nil
}

// shutdown drains the fan-out queue and releases resources. No update may
// be applied once it starts.
func (p *Processor) shutdown() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. No more envelopes can arrive, even from handlers that outlived
	// the HTTP shutdown timeout
	p.dispatcher.Close()

	// 2. Drain queued notifications
	drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	p.workerPool.Stop(drainCtx)

	// 3. Kafka and store
	p.closeResources()

	stats := p.workerPool.Stats()
	log.Info().
		Uint64("published", stats.Processed).
		Uint64("failed", stats.Failed).
		Msg("processor stopped gracefully")
}

// closeResources closes whatever init managed to open
func (p *Processor) closeResources() {
	log := logger.WithComponent("processor")

	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
	}
	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.listener != nil && p.httpServer == nil {
		p.listener.Close()
	}
	if p.ownsStore && p.store != nil {
		if err := p.store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workerStats := p.workerPool.Stats()
			metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))

			event := log.Info().
				Uint64("worker_processed", workerStats.Processed).
				Uint64("worker_failed", workerStats.Failed).
				Int("queue_size", len(p.envelopeChan))
			if p.producer != nil {
				producerStats := p.producer.Stats()
				event = event.
					Uint64("producer_sent", producerStats.MessagesSent).
					Uint64("producer_failed", producerStats.MessagesFailed).
					Uint64("producer_bytes", producerStats.BytesWritten)
			}
			event.Msg("stats")
		}
	}
}

// healthHandler reports the store and, when enabled, Kafka reachability
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	status := http.StatusOK

	if err := p.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if p.producer != nil {
		checks["kafka"] = "ok"
		if err := p.producer.HealthCheck(ctx); err != nil {
			checks["kafka"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    health,
		"checks":    checks,
		"node":      p.nodeID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"worker": p.workerPool.Stats(),
		"channel": map[string]int{
			"buffered": len(p.envelopeChan),
			"capacity": cap(p.envelopeChan),
		},
	}
	if p.producer != nil {
		stats["producer"] = p.producer.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}
