// Package ratelimit скользящее окно запросов в sorted set Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "rate_limit:"

// Result решение лимитера. Reset момент, когда окно, начатое этим запросом, закончится
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter целые секунды до Reset, не меньше одной
func (r Result) RetryAfter(now time.Time) int {
	secs := int((r.Reset.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

type Limiter struct {
	client     redis.UniversalClient
	policies   Policies
	log        logrus.FieldLogger
	decisions  *prometheus.CounterVec
	failClosed bool
	now        func() time.Time
}

type Option func(*Limiter)

// FailClosed отказывает в запросе, если хранилище счётчиков недоступно
func FailClosed(enabled bool) Option { return func(l *Limiter) { l.failClosed = enabled } }

func WithLogger(log logrus.FieldLogger) Option { return func(l *Limiter) { l.log = log } }

func WithCounter(c *prometheus.CounterVec) Option { return func(l *Limiter) { l.decisions = c } }

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// New с nil client пропускает все запросы
func New(client redis.UniversalClient, policies Policies, opts ...Option) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	l := &Limiter{
		client:   client,
		policies: policies,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.WithField("component", "ratelimit")
	return l
}

func KeyByIP(ip string) string { return keyPrefix + "ip:" + ip }

func KeyByUser(userID string) string { return keyPrefix + "user:" + userID }

func KeyByEndpoint(ip, path string) string { return keyPrefix + "endpoint:" + ip + ":" + path }

// Check учитывает запрос под key и решает, укладывается ли он в политику category.
// Запрос записывается в окно и в случае отказа.
func (l *Limiter) Check(ctx context.Context, key string, category Category) Result {
	pol := l.policies.For(category)
	now := l.now()
	res := Result{Limit: pol.Max, Reset: now.Add(pol.Window)}

	if l.client == nil {
		res.Allowed, res.Remaining = true, pol.Max
		return res
	}

	count, err := l.record(ctx, key+":"+string(category), now, pol.Window)
	if err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{"key": key, "category": category}).Warn("ratelimit: counter store unavailable")
		l.count(category, "error")
		if l.failClosed {
			return res
		}
		res.Allowed, res.Remaining = true, pol.Max
		return res
	}

	if count >= int64(pol.Max) {
		l.count(category, "denied")
		return res
	}
	res.Allowed = true
	if rem := int64(pol.Max) - count - 1; rem > 0 {
		res.Remaining = int(rem)
	}
	l.count(category, "allowed")
	return res
}

// record returns the number of requests in the window before this one
func (l *Limiter) record(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	nowMs := now.UnixMilli()
	windowStart := nowMs - window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart, 10))
		card = p.ZCard(ctx, key)
		p.ZAdd(ctx, key, &redis.Z{Score: float64(nowMs), Member: member})
		p.PExpire(ctx, key, 2*window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (l *Limiter) count(c Category, decision string) {
	if l.decisions != nil {
		l.decisions.WithLabelValues(string(c), decision).Inc()
	}
}
