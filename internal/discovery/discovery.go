// Package discovery locates healthy upstream instances for the streaming
// services Voxaid depends on (STT, LLM, TTS).
//
// Internal services are addressed by a cluster DNS name that resolves to
// several A records, one per replica. [Broker.Instances] resolves the name
// through a short-lived single-flight cache, shuffles the candidates, and
// rebuilds per-replica URLs. [FindInstance] then tries candidates in order
// under a hard handshake timeout until one accepts, distinguishing capacity
// rejections from hard failures.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"time"

	"github.com/MrWong99/voxaid/internal/observe"
)

// DNSCacheTTL bounds how long resolved A records are reused.
const DNSCacheTTL = 500 * time.Millisecond

const (
	defaultStartupTimeout = 500 * time.Millisecond
	defaultMaxTrials      = 3
)

// Service describes one logical upstream.
type Service struct {
	// URL is the service endpoint, e.g. "ws://stt.voxaid.svc:8080/api/asr-streaming".
	URL string

	// Internal marks services whose hostname should be resolved to individual
	// replica addresses. External services are returned as-is.
	Internal bool
}

// Client is the minimal contract a factory-constructed upstream client must
// satisfy for [FindInstance]: a handshake that fails when the instance is not
// ready. Implementations signal saturation by returning an error matching
// [ErrServiceAtCapacity].
type Client interface {
	StartUp(ctx context.Context) error
}

// Resolver resolves hostnames to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ── Broker ─────────────────────────────────────────────────────────────────────

// Broker holds the service catalog and the process-wide DNS cache. It is safe
// for concurrent use by all sessions.
type Broker struct {
	services  map[string]Service
	dns       *TTLCache[string, []string]
	met       *observe.Metrics
	timeout   time.Duration
	maxTrials int
}

// Option is a functional option for configuring a Broker.
type Option func(*Broker)

// WithResolver overrides the DNS resolver. Primarily used in tests.
func WithResolver(r Resolver) Option {
	return func(b *Broker) {
		b.dns = NewTTLCache(DNSCacheTTL, func(ctx context.Context, host string) ([]string, error) {
			return r.LookupHost(ctx, host)
		})
	}
}

// WithStartupTimeout sets the per-candidate handshake budget.
func WithStartupTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// WithMaxTrials caps how many candidates one search may try.
func WithMaxTrials(n int) Option {
	return func(b *Broker) { b.maxTrials = n }
}

// WithMetrics sets the metrics instance used for miss and ping recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Broker) { b.met = m }
}

// NewBroker returns a Broker over the given service catalog.
func NewBroker(services map[string]Service, opts ...Option) *Broker {
	b := &Broker{
		services:  services,
		met:       observe.DefaultMetrics(),
		timeout:   defaultStartupTimeout,
		maxTrials: defaultMaxTrials,
	}
	WithResolver(net.DefaultResolver)(b)
	for _, o := range opts {
		o(b)
	}
	return b
}

// Instances returns candidate URLs for service in random order. For an
// external service this is the configured URL itself.
func (b *Broker) Instances(ctx context.Context, service string) ([]string, error) {
	svc, ok := b.services[service]
	if !ok {
		return nil, fmt.Errorf("discovery: unknown service %q", service)
	}
	if !svc.Internal {
		return []string{svc.URL}, nil
	}

	u, err := url.Parse(svc.URL)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse %s url: %w", service, err)
	}

	addrs, err := b.dns.Get(ctx, u.Hostname())
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve %s: %w", u.Hostname(), err)
	}

	shuffled := make([]string, len(addrs))
	copy(shuffled, addrs)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	candidates := make([]string, 0, len(shuffled))
	for _, addr := range shuffled {
		host := addr
		if port := u.Port(); port != "" {
			host = net.JoinHostPort(addr, port)
		}
		candidates = append(candidates, u.Scheme+"://"+host+u.Path)
	}
	return candidates, nil
}

// FindInstance locates a usable instance of service. The factory constructs a
// client for each candidate URL; its StartUp runs under the broker's handshake
// timeout. Capacity rejections and hard failures both move on to the next
// candidate while trials remain. On exhaustion a capacity rejection
// propagates as-is, a deadline becomes [ErrServiceTimeout], and any other
// error escapes untouched.
func FindInstance[S Client](ctx context.Context, b *Broker, service string, factory func(url string) S) (S, error) {
	var zero S

	searchStart := time.Now()
	instances, err := b.Instances(ctx, service)
	if err != nil {
		return zero, err
	}
	if len(instances) == 0 {
		return zero, fmt.Errorf("discovery: no instances for service %q", service)
	}

	trials := min(len(instances), b.maxTrials)
	for _, instance := range instances {
		client := factory(instance)
		slog.Debug("trying upstream instance", "service", service, "instance", instance)

		pingStart := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, b.timeout)
		startErr := client.StartUp(attemptCtx)
		cancel()
		ping := time.Since(pingStart)

		if startErr == nil {
			slog.Info("upstream instance accepted",
				"service", service, "instance", instance, "ping", ping)
			if service == "stt" {
				b.met.STTPingTime.Record(ctx, ping.Seconds())
				b.met.STTFindTime.Record(ctx, time.Since(searchStart).Seconds())
			}
			return client, nil
		}

		trials--
		if errors.Is(startErr, ErrServiceAtCapacity) {
			slog.Info("upstream instance rejected at capacity",
				"service", service, "instance", instance, "ping", ping)
			if service == "stt" {
				b.met.STTPingTime.Record(ctx, ping.Seconds())
			}
		} else {
			b.met.RecordHardServiceMiss(ctx, service)
			if errors.Is(startErr, context.DeadlineExceeded) {
				slog.Warn("upstream instance did not reply in time",
					"service", service, "instance", instance)
			} else {
				slog.Error("unexpected error connecting to upstream instance",
					"service", service, "instance", instance, "err", startErr)
			}
		}

		if trials > 0 {
			continue
		}

		b.met.RecordServiceMiss(ctx, service)
		switch {
		case errors.Is(startErr, ErrServiceAtCapacity):
			return zero, startErr
		case errors.Is(startErr, context.DeadlineExceeded):
			return zero, fmt.Errorf("%v: %w", startErr, Timeout(service))
		default:
			return zero, startErr
		}
	}

	return zero, fmt.Errorf("discovery: exhausted candidates for service %q", service)
}
