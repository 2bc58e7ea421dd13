// Package source resolves clip locators to decoded PCM frames for the player.
//
// A locator is a bare file path, a file:// URL or an http(s) URL. The bytes
// are decoded by container (WAV, AIFF, MP3, Ogg Vorbis), converted to the
// requested output format and kept in a bounded LRU keyed by locator and
// format. Concurrent misses for the same key share one load.
//
// Remote loads run behind a per-host circuit breaker so a dead sound server
// fails fast instead of stalling every Play request.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/frame"
	"github.com/MrWong99/cadence/pkg/audio/player"
)

// Defaults applied by [New].
const (
	DefaultCacheSize   = 32
	DefaultHTTPTimeout = 10 * time.Second
	DefaultMaxBytes    = 64 << 20
)

// maxRetainAttempts bounds the lookups that race a concurrent eviction.
const maxRetainAttempts = 3

var (
	// ErrUnsupportedLocator is returned for locators with an unknown scheme.
	ErrUnsupportedLocator = errors.New("source: unsupported locator")

	// ErrTooLarge is returned when a source exceeds the configured byte limit.
	ErrTooLarge = errors.New("source: source too large")

	// ErrEmpty is returned when a source decodes to zero samples.
	ErrEmpty = errors.New("source: no audio")
)

// StatusError is returned for a non-200 HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source: GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Temporary reports whether the response may succeed on retry.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// isHostFailure counts server-side trouble against the breaker. Client errors
// such as 404 say nothing about the host's health.
func isHostFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Compile-time assertion that Resolver satisfies player.Resolver.
var _ player.Resolver = (*Resolver)(nil)

// Resolver implements [player.Resolver]. Safe for concurrent use.
type Resolver struct {
	baseDir  string
	client   *http.Client
	maxBytes int64
	decoders map[string]Decoder
	metrics  *observe.Metrics
	breakers *resilience.BreakerSet
	cache    *clipCache
	flights  singleflight.Group
}

// Option configures a [Resolver].
type Option func(*options)

type options struct {
	baseDir   string
	client    *http.Client
	timeout   time.Duration
	maxBytes  int64
	cacheSize int
	metrics   *observe.Metrics
	breaker   resilience.CircuitBreakerConfig
	decoders  map[string]Decoder
}

// WithBaseDir resolves relative file locators against dir.
func WithBaseDir(dir string) Option {
	return func(o *options) { o.baseDir = dir }
}

// WithHTTPClient replaces the client used for http(s) locators.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithHTTPTimeout sets the per-request timeout of the default client.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxBytes caps the encoded size of a single source.
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithCacheSize sets the number of decoded clips kept. Values below one keep a
// single clip.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithMetrics records resolve latency and cache hits.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBreaker tunes the per-host circuit breakers. IsFailure is ignored.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithDecoder registers or replaces the decoder for a container name.
func WithDecoder(container string, d Decoder) Option {
	return func(o *options) { o.decoders[container] = d }
}

// New creates a [Resolver].
func New(opts ...Option) *Resolver {
	o := options{
		timeout:   DefaultHTTPTimeout,
		maxBytes:  DefaultMaxBytes,
		cacheSize: DefaultCacheSize,
		decoders:  defaultDecoders(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: o.timeout}
	}
	if o.maxBytes <= 0 {
		o.maxBytes = DefaultMaxBytes
	}
	bc := o.breaker
	bc.Name = "source"
	bc.IsFailure = isHostFailure
	userChange := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to resilience.State) {
		slog.Warn("source: host breaker changed state", "host", name, "from", from, "to", to)
		if userChange != nil {
			userChange(name, from, to)
		}
	}
	return &Resolver{
		baseDir:  o.baseDir,
		client:   o.client,
		maxBytes: o.maxBytes,
		decoders: o.decoders,
		metrics:  o.metrics,
		breakers: resilience.NewBreakerSet(bc),
		cache:    newClipCache(o.cacheSize),
	}
}

// Resolve implements [player.Resolver]. The returned frame carries one
// reference owned by the caller.
func (r *Resolver) Resolve(ctx context.Context, locator string, format audio.Format) (*frame.Frame, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("source: resolve %q: %w", locator, err)
	}
	ctx, span := observe.StartSpan(ctx, "source.resolve",
		trace.WithAttributes(attribute.String("locator", locator), attribute.String("format", format.String())),
	)
	defer span.End()

	key := locator + "|" + format.String()
	for range maxRetainAttempts {
		if f := r.cache.get(key); f != nil {
			r.recordLookup(ctx, true)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return f, nil
		}
		r.recordLookup(ctx, false)

		// The load outlives any single caller: it runs detached from ctx and
		// every caller waits on its own context.
		loadCtx := context.WithoutCancel(ctx)
		flight := r.flights.DoChan(key, func() (any, error) {
			return r.load(loadCtx, locator, format, key)
		})
		var (
			v   any
			err error
		)
		select {
		case res := <-flight:
			v, err = res.Val, res.Err
		case <-ctx.Done():
			err = fmt.Errorf("source: resolve %q: %w", locator, ctx.Err())
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if f := v.(*frame.Frame); f.Retain() {
			return f, nil
		}
		// Evicted between load and retain; look again.
	}
	err := fmt.Errorf("source: resolve %q: evicted under cache pressure", locator)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// load reads, decodes and converts one clip and stores it in the cache.
func (r *Resolver) load(ctx context.Context, locator string, format audio.Format, key string) (*frame.Frame, error) {
	start := time.Now()
	scheme, data, contentType, err := r.fetch(ctx, locator)
	if err == nil {
		var pcm []byte
		pcm, err = r.decode(locator, contentType, data, format)
		if err == nil {
			f := frame.New(pcm) // the cache owns this reference
			r.cache.put(key, f)
			r.recordResolve(ctx, scheme, time.Since(start), nil)
			observe.Logger(ctx, nil).Debug("source: clip loaded",
				"locator", locator,
				"format", format.String(),
				"bytes", len(pcm),
				"elapsed", time.Since(start),
			)
			return f, nil
		}
	}
	r.recordResolve(ctx, scheme, time.Since(start), err)
	return nil, err
}

func (r *Resolver) decode(locator, contentType string, data []byte, format audio.Format) ([]byte, error) {
	container := containerFor(locator, contentType, data)
	dec, ok := r.decoders[container]
	if !ok {
		return nil, fmt.Errorf("source: %q: %w", locator, ErrUnsupportedContainer)
	}
	decoded, err := dec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("source: decode %q as %s: %w", locator, container, err)
	}
	if len(decoded.Data) == 0 {
		return nil, fmt.Errorf("source: %q: %w", locator, ErrEmpty)
	}
	out, err := audio.Convert(decoded.Data, decoded.Format, format)
	if err != nil {
		return nil, fmt.Errorf("source: convert %q: %w", locator, err)
	}
	return out, nil
}

// ─── Fetching ────────────────────────────────────────────────────────────────

// fetch returns the raw bytes of locator and, for http sources, the response
// content type.
func (r *Resolver) fetch(ctx context.Context, locator string) (scheme string, data []byte, contentType string, err error) {
	u, perr := url.Parse(locator)
	switch {
	case perr != nil || u.Scheme == "" || len(u.Scheme) == 1: // bare path or drive letter
		data, err = r.readFile(locator)
		return "file", data, "", err
	case u.Scheme == "file":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		data, err = r.readFile(p)
		return "file", data, "", err
	case u.Scheme == "http" || u.Scheme == "https":
		data, contentType, err = r.get(ctx, u)
		return u.Scheme, data, contentType, err
	default:
		return u.Scheme, nil, "", fmt.Errorf("%w: scheme %q", ErrUnsupportedLocator, u.Scheme)
	}
}

func (r *Resolver) readFile(p string) ([]byte, error) {
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUnsupportedLocator)
	}
	if !filepath.IsAbs(p) && r.baseDir != "" {
		p = filepath.Join(r.baseDir, p)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("source: open: %w", err)
	}
	defer f.Close()
	return r.readLimited(f, p)
}

func (r *Resolver) get(ctx context.Context, u *url.URL) (data []byte, contentType string, err error) {
	loc := u.Redacted()
	err = r.breakers.Execute(u.Host, func() error {
		return resilience.Retry(ctx, resilience.RetryConfig{
			Name:      "source " + u.Host,
			Attempts:  2,
			Retryable: retryableHTTP,
		}, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			resp, err := r.client.Do(req)
			if err != nil {
				return fmt.Errorf("source: GET %s: %w", loc, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
				return &StatusError{URL: loc, Code: resp.StatusCode}
			}
			if resp.ContentLength > r.maxBytes {
				return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, loc, resp.ContentLength)
			}
			data, err = r.readLimited(resp.Body, loc)
			contentType = resp.Header.Get("Content-Type")
			return err
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("source: GET %s: %w", loc, err)
	}
	return data, contentType, err
}

func retryableHTTP(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, ErrTooLarge) && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (r *Resolver) readLimited(rd io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", name, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, r.maxBytes)
	}
	return data, nil
}

// ─── Housekeeping ────────────────────────────────────────────────────────────

// Cached reports the number of decoded clips held.
func (r *Resolver) Cached() int { return r.cache.len() }

// HostStates reports the breaker state per remote host seen so far.
func (r *Resolver) HostStates() map[string]resilience.State { return r.breakers.States() }

// Purge drops every cached clip. Frames already handed out stay valid until
// their holders release them.
func (r *Resolver) Purge() { r.cache.purge() }

// Close purges the cache.
func (r *Resolver) Close() error {
	r.cache.purge()
	return nil
}

func (r *Resolver) recordLookup(ctx context.Context, hit bool) {
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(ctx, hit)
	}
}

func (r *Resolver) recordResolve(ctx context.Context, scheme string, d time.Duration, err error) {
	if r.metrics != nil {
		r.metrics.RecordResolve(ctx, strings.ToLower(scheme), d, err)
	}
}
