package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/iotrack/config"
	"github.com/sarchlab/iotrack/handlerstack"
	"github.com/sarchlab/iotrack/metrics"
	"github.com/sarchlab/iotrack/monitoring"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/session"
	"github.com/sarchlab/iotrack/tracing"
	"github.com/sarchlab/iotrack/tracking"
	"github.com/sarchlab/iotrack/verifier"
)

// simulation drives generated traffic through a three layer stack.
type simulation struct {
	cfg    config.Config
	logger *zap.Logger

	workers   int
	requests  int
	faultRate float64
	leakRate  float64
	seed      uint64

	db      *tracking.Database
	manager *session.Manager
	stack   *handlerstack.Stack
	monitor *monitoring.Monitor
	logHook *verifier.LogHook
	archive *tracing.ArchiveHook
	writer  *tracing.SQLiteArchiveWriter
}

type simulationResult struct {
	Submitted  int            `json:"submitted"`
	Failed     int            `json:"failed"`
	Surrogates int            `json:"surrogates"`
	Faults     int            `json:"faults"`
	Stats      tracking.Stats `json:"stats"`
	Purged     int            `json:"purged"`
}

var injectable = []handlerstack.Faults{
	{DoubleCompletion: true},
	{PrematureFree: true},
	{PriorityMismatch: true},
	{BufferOverrun: true},
}

func newSimulation(c config.Config, l *zap.Logger) *simulation {
	return &simulation{
		cfg:      c,
		logger:   l,
		workers:  4,
		requests: 1000,
		seed:     1,
	}
}

// setup builds the registry and everything that observes it.
func (s *simulation) setup() error {
	s.db = tracking.MakeDatabaseBuilder().
		WithShardCount(s.cfg.ShardCount).
		WithCapacity(s.cfg.Capacity).
		Build("Registry")

	s.manager = session.MakeManagerBuilder().
		WithDatabase(s.db).
		WithSurrogates(s.cfg.Surrogates).
		Build("Sessions")

	s.logHook = verifier.NewLogHook(s.logger, 4096)
	s.logHook.Start()
	s.db.AcceptHook(s.logHook)
	s.manager.AcceptHook(s.logHook)

	metrics.Register()
	metricsHook := metrics.NewHook()
	s.db.AcceptHook(metricsHook)
	s.manager.AcceptHook(metricsHook)

	if s.cfg.Archive != "" {
		s.writer = tracing.NewSQLiteArchiveWriter(s.cfg.Archive)
		if err := s.writer.Init(); err != nil {
			return err
		}

		s.archive = tracing.NewArchiveHook(s.writer, 4096)
		s.archive.Start()
		s.db.AcceptHook(s.archive)

		s.logger.Info("archiving released records",
			zap.String("file", s.writer.FileName()))
	}

	s.stack = handlerstack.MakeBuilder().
		WithManager(s.manager).
		WithLayers(
			handlerstack.NewLayer("FileSystem", session.AttrBufferedIO, nil),
			handlerstack.NewLayer("Volume", session.AttrDirectIO, nil),
			handlerstack.NewLayer("Disk",
				session.AttrDirectIO|session.AttrBufferedIO,
				handlerstack.NewMemoryDevice()),
		).
		Build("Stack")

	if s.cfg.MonitorPort >= 0 {
		s.monitor = monitoring.NewMonitor(s.db).
			WithLogger(s.logger).
			WithPortNumber(s.cfg.MonitorPort)
		s.monitor.RegisterManager(s.manager)

		if _, err := s.monitor.StartServer(); err != nil {
			return err
		}

		if s.cfg.OpenBrowser {
			if err := s.monitor.OpenBrowser(); err != nil {
				s.logger.Warn("opening browser", zap.Error(err))
			}
		}
	}

	return nil
}

// run submits the requests from the workers. Requests are split evenly and
// each worker draws its faults from its own seeded source.
func (s *simulation) run(ctx context.Context) (simulationResult, error) {
	var (
		res        simulationResult
		failed     atomic.Int64
		surrogates atomic.Int64
		faults     atomic.Int64
		bar        *monitoring.ProgressBar
	)

	if s.monitor != nil {
		bar = s.monitor.CreateProgressBar("Requests", uint64(s.requests))
		defer s.monitor.CompleteProgressBar(bar)
	}

	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < s.workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(s.seed, uint64(w)))

			for i := w; i < s.requests; i += s.workers {
				req, f := s.request(rng, i)
				if f != (handlerstack.Faults{}) {
					faults.Add(1)
				}

				if bar != nil {
					bar.Submitted()
				}

				c, err := s.stack.Submit(ctx, req, f)
				if bar != nil {
					bar.Completed(err == nil && c.Status == handlerstack.StatusSuccess)
				}

				if err != nil {
					return fmt.Errorf("request %d: %w", i, err)
				}

				if c.Status != handlerstack.StatusSuccess {
					failed.Add(1)
				}

				surrogates.Add(int64(c.Surrogates))
			}

			return nil
		})
	}

	err := g.Wait()

	res.Submitted = s.requests
	res.Failed = int(failed.Load())
	res.Surrogates = int(surrogates.Load())
	res.Faults = int(faults.Load())
	res.Stats = s.db.Stats()

	return res, err
}

func (s *simulation) request(rng *rand.Rand, i int) (*handlerstack.Request, handlerstack.Faults) {
	size := 16 + rng.IntN(240)
	dir := session.DirectionRead
	if rng.IntN(2) == 0 {
		dir = session.DirectionWrite
	}

	buf := make([]byte, size)
	for j := range buf {
		buf[j] = byte(i + j)
	}

	req := &handlerstack.Request{
		Identity:  tracking.Identity(0x10000 + uint64(i)*0x40),
		Operation: tracking.Operation{Major: uint8(dir) + 3},
		Direction: dir,
		Offset:    uint64(rng.IntN(1 << 20)),
		Buffer:    buf,
		Level:     priority.Passive,
	}

	var f handlerstack.Faults
	if rng.Float64() < s.faultRate {
		f = injectable[rng.IntN(len(injectable))]
	}

	if rng.Float64() < s.leakRate {
		f.LeakIdentity = true
	}

	return req, f
}

// teardown unloads the stack and closes what setup opened.
func (s *simulation) teardown(ctx context.Context, res *simulationResult) error {
	res.Purged = s.stack.Unload()
	res.Stats = s.db.Stats()

	var errs []error

	s.logHook.Close()
	if d := s.logHook.Dropped(); d > 0 {
		s.logger.Warn("log hook dropped events", zap.Uint64("dropped", d))
	}

	if s.archive != nil {
		errs = append(errs, s.archive.Close(), s.writer.Close())

		if d := s.archive.Dropped(); d > 0 {
			s.logger.Warn("archive dropped items", zap.Uint64("dropped", d))
		}
	}

	if s.monitor != nil {
		errs = append(errs, s.monitor.Shutdown(ctx))
	}

	return errors.Join(errs...)
}
