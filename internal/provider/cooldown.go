package provider

import (
	"sync"
	"time"
)

type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    30 * time.Second,
		Max:        10 * time.Minute,
		Multiplier: 4,
	}
}

// cooldowns benches models after retryable failures. Consecutive failures
// multiply the bench time up to Max; a success clears it.
type cooldowns struct {
	cfg CooldownConfig
	now func() time.Time

	mu    sync.Mutex
	bench map[ModelRef]*benched
}

type benched struct {
	errors int
	until  time.Time
}

func newCooldowns(cfg CooldownConfig) *cooldowns {
	d := DefaultCooldownConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = d.Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = max(d.Max, cfg.Initial)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = d.Multiplier
	}
	return &cooldowns{cfg: cfg, now: time.Now, bench: make(map[ModelRef]*benched)}
}

func (c *cooldowns) active(ref ModelRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bench[ref]
	return ok && c.now().Before(b.until)
}

// order moves benched models behind the rest, keeping relative order, so
// they are still tried when everything else fails.
func (c *cooldowns) order(refs []ModelRef) []ModelRef {
	ready := make([]ModelRef, 0, len(refs))
	var later []ModelRef
	for _, r := range refs {
		if c.active(r) {
			later = append(later, r)
		} else {
			ready = append(ready, r)
		}
	}
	return append(ready, later...)
}

func (c *cooldowns) fail(ref ModelRef) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bench[ref]
	if !ok {
		b = &benched{}
		c.bench[ref] = b
	}
	b.errors++
	d := c.duration(b.errors)
	b.until = c.now().Add(d)
	return d
}

func (c *cooldowns) reset(ref ModelRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bench, ref)
}

func (c *cooldowns) duration(errors int) time.Duration {
	d := c.cfg.Initial
	for i := 1; i < errors; i++ {
		d *= time.Duration(c.cfg.Multiplier)
		if d > c.cfg.Max {
			return c.cfg.Max
		}
	}
	return d
}
