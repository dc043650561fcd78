package p2p

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"veilnet/transport"
)

const acceptLimiterIdle = 10 * time.Minute

type acceptBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// acceptLimiter throttles inbound sessions per remote host.
type acceptLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*acceptBucket
	pruned  time.Time
}

func newAcceptLimiter(perSecond float64, burst int) *acceptLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &acceptLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*acceptBucket),
	}
}

func (l *acceptLimiter) allow(remote string, now time.Time) bool {
	if l == nil {
		return true
	}
	host := remoteHost(remote)
	if host == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.pruned) > acceptLimiterIdle {
		for h, b := range l.buckets {
			if now.Sub(b.seen) > acceptLimiterIdle {
				delete(l.buckets, h)
			}
		}
		l.pruned = now
	}
	b := l.buckets[host]
	if b == nil {
		b = &acceptBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[host] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func remoteHost(remote string) string {
	if _, hostport, err := transport.SplitAddress(remote); err == nil {
		if host, _, err := net.SplitHostPort(hostport); err == nil {
			return host
		}
	}
	return strings.TrimSpace(remote)
}
