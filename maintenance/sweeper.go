package maintenance

import (
	"context"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/namespace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config tunes the sweeper worker
type Config struct {
	// HintBuffer is the capacity of the hint queue. A full queue drops
	// hints rather than blocking the request path; the periodic full
	// sweep covers anything dropped.
	HintBuffer int

	// Interval between periodic full sweeps. Zero disables them.
	Interval time.Duration

	// SweepsPerSecond rate-limits hint-triggered sweeps so a burst of
	// misses against the same stale index cannot hammer the store.
	SweepsPerSecond float64
}

// DefaultConfig returns the default sweeper configuration
func DefaultConfig() *Config {
	return &Config{
		HintBuffer:      64,
		Interval:        5 * time.Minute,
		SweepsPerSecond: 1,
	}
}

// Sweeper owns index garbage collection. Request paths that hit a stale
// index entry only enqueue a hint through the SweepHinter interface; the
// sweeps themselves run on this worker's goroutine with their own
// lifecycle, and their outcome is observed via logging and metrics only.
type Sweeper struct {
	index    *namespace.Index
	logger   log.Logger
	interval time.Duration
	limiter  *rate.Limiter
	hints    chan string
	group    singleflight.Group

	mu      sync.Mutex
	targets map[string]namespace.Resolver

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ namespace.SweepHinter = (*Sweeper)(nil)

// NewSweeper creates a sweeper worker
func NewSweeper(config *Config, index *namespace.Index, logger log.Logger) *Sweeper {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HintBuffer <= 0 {
		config.HintBuffer = DefaultConfig().HintBuffer
	}
	if config.SweepsPerSecond <= 0 {
		config.SweepsPerSecond = DefaultConfig().SweepsPerSecond
	}
	return &Sweeper{
		index:    index,
		logger:   logger.WithSubsystem("maintenance"),
		interval: config.Interval,
		limiter:  rate.NewLimiter(rate.Limit(config.SweepsPerSecond), 2),
		hints:    make(chan string, config.HintBuffer),
		targets:  make(map[string]namespace.Resolver),
		done:     make(chan struct{}),
	}
}

// Register adds a sweep target: an index key and the resolver that decides
// whether an indexed child still has a live backing record. Hints for
// unregistered keys are ignored.
func (s *Sweeper) Register(indexKey string, resolve namespace.Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[indexKey] = resolve
}

// Hint enqueues an index for sweeping. It never blocks: when the queue is
// full the hint is dropped, which is safe because the periodic full sweep
// reconciles everything eventually.
func (s *Sweeper) Hint(indexKey string) {
	select {
	case s.hints <- indexKey:
	default:
		metrics.IncrCounter([]string{"maintenance", "hint_dropped"}, 1)
	}
}

// Start launches the worker goroutine. Safe to call once.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	})
}

// Stop cancels the worker and waits for it to drain
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			close(s.done)
			return
		}
		s.cancel()
		<-s.done
	})
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.logger.Info("sweeper started", log.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case indexKey := <-s.hints:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.sweepOne(ctx, indexKey); err != nil {
				s.logger.Warn("sweep failed", log.String("index", indexKey), log.Err(err))
			}
		case <-tick:
			if err := s.SweepAll(ctx); err != nil {
				s.logger.Warn("periodic sweep failed", log.Err(err))
			}
		}
	}
}

// sweepOne sweeps a single index, deduplicating concurrent requests for
// the same key through singleflight.
func (s *Sweeper) sweepOne(ctx context.Context, indexKey string) error {
	s.mu.Lock()
	resolve, ok := s.targets[indexKey]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("hint for unregistered index", log.String("index", indexKey))
		return nil
	}

	_, err, _ := s.group.Do(indexKey, func() (any, error) {
		start := time.Now()
		dropped, err := s.index.Sweep(ctx, indexKey, resolve)
		if err != nil {
			return nil, err
		}
		metrics.IncrCounter([]string{"maintenance", "swept"}, float32(dropped))
		s.logger.Debug("index swept",
			log.String("index", indexKey),
			log.Int("dropped", dropped),
			log.Duration("elapsed", time.Since(start)),
		)
		return dropped, nil
	})
	return err
}

// SweepAll sweeps every registered index once, aggregating failures so one
// broken index does not shadow the others. Exposed for the operational API
// and the periodic timer.
func (s *Sweeper) SweepAll(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.targets))
	for key := range s.targets {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.sweepOne(ctx, key); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
