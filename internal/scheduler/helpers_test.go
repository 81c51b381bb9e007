package scheduler

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/me/obsched/internal/almanac/almanactest"
	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/constraint"
	"github.com/me/obsched/internal/device/sim"
	"github.com/me/obsched/internal/scoring"
	"github.com/me/obsched/pkg/model"
)

const testSequence = `
version: 1
items:
  - count: 4
    exposure: 60
    filter: L
    type: Light
    dir: /data
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// night returns 2026-01-10 at the given UTC time. The fake almanac has dusk
// at 18:00 and dawn at 06:00.
func night(hour, minute int) time.Time {
	return time.Date(2026, 1, 10, hour, minute, 0, 0, time.UTC)
}

func writeSequence(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "m42.yaml")
	if err := os.WriteFile(path, []byte(testSequence), 0o644); err != nil {
		t.Fatalf("write sequence: %v", err)
	}
	return path
}

func testConfig() config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.RememberProgress = false
	return cfg
}

// lightJob is an ASAP tracking job that enforces twilight.
func lightJob(t *testing.T, id string) *model.Job {
	t.Helper()
	j := model.NewJob(id, id)
	j.SequenceFile = writeSequence(t)
	j.Pipeline = model.StepTrack
	j.EnforceTwilight = true
	return j
}

// atJob is a SCHEDULED fixed-time job with a known runtime.
func atJob(id string, start time.Time, seconds int64) *model.Job {
	j := model.NewJob(id, id)
	j.StartupCondition = model.StartAt
	j.StartupTime = start
	j.SnapshotStartup()
	j.State = model.JobStateScheduled
	j.EstimatedSeconds = seconds
	return j
}

func testEvaluator(t *testing.T, oracle *almanactest.Oracle, cfg config.SchedulerConfig) *Evaluator {
	t.Helper()
	logger := testLogger()
	engine := scoring.NewEngine(oracle, cfg, logger)
	return NewEvaluator(engine, constraint.NewEvaluator(nil, logger), nil, cfg, logger)
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fixture wires a controller to a simulated rig with zero latency.
type fixture struct {
	rig    *sim.Rig
	oracle *almanactest.Oracle
	cfg    config.SchedulerConfig
	clock  *clock
	ctrl   *Controller
}

func newFixture(t *testing.T, cfg config.SchedulerConfig, opts ...Option) *fixture {
	t.Helper()
	rig := sim.New()
	rig.Latency = 0
	oracle := almanactest.Night(45)
	clk := &clock{t: night(22, 0)}
	eval := testEvaluator(t, oracle, cfg)
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return &fixture{
		rig:    rig,
		oracle: oracle,
		cfg:    cfg,
		clock:  clk,
		ctrl:   NewController(rig.Ports(), eval, cfg, testLogger(), opts...),
	}
}
