package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"actionplan/internal/llmclient"
)

// Middleware decorates a generation client with a cross-cutting concern.
type Middleware func(llmclient.Client) llmclient.Client

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner llmclient.Client, mws ...Middleware) llmclient.Client {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			out = mws[i](out)
		}
	}
	return out
}

// -------- Rate Limiting --------

// RateLimit throttles calls to rps with the given burst. rps <= 0 disables it.
func RateLimit(rps float64, burst int) Middleware {
	return func(next llmclient.Client) llmclient.Client {
		if rps <= 0 {
			return next
		}
		if burst < 1 {
			burst = 1
		}
		return &rateLimited{next: next, lim: rate.NewLimiter(rate.Limit(rps), burst)}
	}
}

type rateLimited struct {
	next llmclient.Client
	lim  *rate.Limiter
}

func (c *rateLimited) Name() string { return c.next.Name() }
func (c *rateLimited) Close() error { return c.next.Close() }

// Generate waits for a token. A wait that cannot finish before the deadline
// fails immediately as a timeout.
func (c *rateLimited) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	if err := c.lim.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ctx.Err()
		}
		return "", llmclient.ErrTimeout
	}
	return c.next.Generate(ctx, prompt, temperature)
}

// -------- Logging --------

// WithLogging logs request size, latency and errors. A nil logger disables it.
func WithLogging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next llmclient.Client) llmclient.Client {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next llmclient.Client
	log  *zap.Logger
}

func (l *logging) Name() string { return l.next.Name() }
func (l *logging) Close() error { return l.next.Close() }

func (l *logging) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	start := time.Now()
	l.log.Debug("generation request",
		zap.String("client", l.next.Name()),
		zap.String("phase", PhaseFrom(ctx)),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Float64("temperature", temperature))
	out, err := l.next.Generate(ctx, prompt, temperature)
	if err != nil {
		l.log.Warn("generation failed",
			zap.String("phase", PhaseFrom(ctx)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return out, err
	}
	l.log.Debug("generation response",
		zap.String("phase", PhaseFrom(ctx)),
		zap.Int("response_bytes", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// -------- Caching --------

// WithCache memoises successful responses keyed by phase, prompt and
// temperature. Each compile attempt runs under its own phase, so an attempt
// never replays another attempt's answer. size <= 0 disables caching.
func WithCache(size int) Middleware {
	return func(next llmclient.Client) llmclient.Client {
		if size <= 0 {
			return next
		}
		c, err := lru.New[string, string](size)
		if err != nil {
			return next
		}
		return &cached{next: next, lru: c}
	}
}

type cached struct {
	next llmclient.Client
	lru  *lru.Cache[string, string]
}

func (c *cached) Name() string { return c.next.Name() }
func (c *cached) Close() error { return c.next.Close() }

func (c *cached) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	key := cacheKey(PhaseFrom(ctx), prompt, temperature)
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	out, err := c.next.Generate(ctx, prompt, temperature)
	if err == nil && out != "" {
		c.lru.Add(key, out)
	}
	return out, err
}

func cacheKey(phase, prompt string, temperature float64) string {
	sum := sha256.Sum256([]byte(prompt))
	return phase + "/" + hex.EncodeToString(sum[:]) + "@" + strconv.FormatFloat(temperature, 'g', -1, 64)
}
