package loader

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"

	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/logging"
)

const (
	defaultPollInterval    = 3 * time.Second
	defaultMaxPollInterval = time.Minute
)

type PollerConfig struct {
	Cacher  *Cacher
	ScopeID string
	Filters filters.Params
	Spec    WindowSpec
	// Interval is the delay after a load that changed something.
	Interval time.Duration
	// MaxInterval caps the backoff while nothing changes or loads fail.
	MaxInterval time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Poller reloads one scope until it is stopped. Every load after the
// first only asks for items updated since the previous one.
type Poller struct {
	tomb    tomb.Tomb
	cfg     PollerConfig
	log     *slog.Logger
	targets chan int64
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = max(defaultMaxPollInterval, cfg.Interval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	cfg.Logger = logging.OrDefault(cfg.Logger)
	p := &Poller{
		cfg:     cfg,
		log:     cfg.Logger.With(keyScope, cfg.ScopeID),
		targets: make(chan int64, 1),
	}
	p.tomb.Go(p.loop)
	return p
}

// SetTarget moves the polled window. The next load uses it.
func (p *Poller) SetTarget(key int64) {
	select {
	case <-p.targets:
	default:
	}
	p.targets <- key
}

func (p *Poller) Kill() { p.tomb.Kill(nil) }

func (p *Poller) Wait() error { return p.tomb.Wait() }

func (p *Poller) Stop() error {
	p.Kill()
	return p.Wait()
}

func (p *Poller) Err() error { return p.tomb.Err() }

func (p *Poller) loop() error {
	ctx := p.tomb.Context(context.Background())
	spec := p.cfg.Spec
	interval := p.cfg.Interval
	for {
		started := p.cfg.Clock.Now().UnixMilli()
		res, err := p.cfg.Cacher.Load(ctx, p.cfg.ScopeID, p.cfg.Filters, spec)
		switch {
		case err != nil && ctx.Err() != nil:
			return tomb.ErrDying
		case err != nil:
			interval = p.backoff(interval)
			p.log.Warn("poll failed", keyError, err, keyInterval, interval)
		case res.Stats.Changed || res.Updated > 0:
			interval = p.cfg.Interval
			spec.Since = started
		default:
			interval = p.backoff(interval)
			spec.Since = started
			p.log.Debug("nothing new", keyInterval, interval)
		}

		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case key := <-p.targets:
			spec.TargetKey = key
			spec.Since = 0
			interval = p.cfg.Interval
		case <-p.cfg.Clock.After(interval):
		}
	}
}

func (p *Poller) backoff(interval time.Duration) time.Duration {
	return min(2*interval, p.cfg.MaxInterval)
}
