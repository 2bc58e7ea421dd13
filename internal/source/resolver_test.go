package source_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/aiff"
	"github.com/go-audio/wav"

	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/internal/source"
	"github.com/MrWong99/cadence/pkg/audio"
	"github.com/MrWong99/cadence/pkg/audio/frame"
)

var mono8k = audio.Format{SampleRate: 8000, BitsPerChannel: 16, Channels: 1}

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func intBuffer(rate, chans, depth int, samples []int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: chans, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: depth,
	}
}

// writeWAV encodes samples as a PCM WAV file in dir and returns its path.
func writeWAV(t *testing.T, dir, name string, rate, chans int, samples []int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create %s: %v", p, err)
	}
	enc := wav.NewEncoder(f, rate, 16, chans, 1)
	if err := enc.Write(intBuffer(rate, chans, 16, samples)); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", p, err)
	}
	return p
}

func wavBytes(t *testing.T, rate, chans int, samples []int) []byte {
	t.Helper()
	data, err := os.ReadFile(writeWAV(t, t.TempDir(), "clip.wav", rate, chans, samples))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func release(t *testing.T, f *frame.Frame) {
	t.Helper()
	t.Cleanup(func() { f.Release() })
}

func TestResolve_FileWAV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWAV(t, dir, "beep.wav", 8000, 1, []int{100, -100, 200, -200})

	tests := []struct {
		name    string
		locator string
		opts    []source.Option
	}{
		{name: "relative to base dir", locator: "beep.wav", opts: []source.Option{source.WithBaseDir(dir)}},
		{name: "absolute path", locator: filepath.Join(dir, "beep.wav")},
		{name: "file url", locator: "file://" + filepath.ToSlash(filepath.Join(dir, "beep.wav"))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := source.New(tc.opts...)
			f, err := r.Resolve(context.Background(), tc.locator, mono8k)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			release(t, f)
			if want := pcm16(100, -100, 200, -200); !bytes.Equal(f.Data(), want) {
				t.Errorf("data = %v, want %v", f.Data(), want)
			}
		})
	}
}

func TestResolve_ConvertsToRequestedFormat(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Stereo 8 kHz, four frames.
	writeWAV(t, dir, "stereo.wav", 8000, 2, []int{100, 300, 100, 300, 100, 300, 100, 300})

	r := source.New(source.WithBaseDir(dir))
	f, err := r.Resolve(context.Background(), "stereo.wav", mono8k)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	release(t, f)
	if got, want := len(f.Data()), 8; got != want {
		t.Fatalf("len = %d, want %d", got, want)
	}
	if got := int16(binary.LittleEndian.Uint16(f.Data())); got != 200 {
		t.Errorf("first mono sample = %d, want 200", got)
	}
}

func TestResolve_AIFF(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "tone.aiff")
	out, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	enc := aiff.NewEncoder(out, 8000, 16, 1)
	if err := enc.Write(intBuffer(8000, 1, 16, []int{1000, -1000})); err != nil {
		t.Fatalf("encode aiff: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close aiff encoder: %v", err)
	}
	_ = out.Close()

	f, err := source.New().Resolve(context.Background(), p, mono8k)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	release(t, f)
	if want := pcm16(1000, -1000); !bytes.Equal(f.Data(), want) {
		t.Errorf("data = %v, want %v", f.Data(), want)
	}
}

func TestResolve_CacheSharesFrame(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWAV(t, dir, "a.wav", 8000, 1, []int{1, 2})
	r := source.New(source.WithBaseDir(dir))

	a, err := r.Resolve(context.Background(), "a.wav", mono8k)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(context.Background(), "a.wav", mono8k)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("second resolve should return the cached frame")
	}
	if got := a.Refs(); got != 3 {
		t.Errorf("refs = %d, want 3 (cache + two callers)", got)
	}
	a.Release()
	b.Release()
	if got := a.Refs(); got != 1 {
		t.Errorf("refs after release = %d, want 1", got)
	}

	// A different format is a different entry.
	stereo := audio.Format{SampleRate: 8000, BitsPerChannel: 16, Channels: 2}
	c, err := r.Resolve(context.Background(), "a.wav", stereo)
	if err != nil {
		t.Fatal(err)
	}
	release(t, c)
	if c == a || r.Cached() != 2 {
		t.Errorf("stereo entry: same=%v cached=%d, want distinct and 2", c == a, r.Cached())
	}
}

func TestResolve_EvictionKeepsHeldFramesAlive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWAV(t, dir, "a.wav", 8000, 1, []int{1, 2})
	writeWAV(t, dir, "b.wav", 8000, 1, []int{3, 4})
	r := source.New(source.WithBaseDir(dir), source.WithCacheSize(1))

	a, err := r.Resolve(context.Background(), "a.wav", mono8k)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(context.Background(), "b.wav", mono8k)
	if err != nil {
		t.Fatal(err)
	}
	release(t, b)

	if r.Cached() != 1 {
		t.Errorf("Cached = %d, want 1", r.Cached())
	}
	if a.Refs() != 1 || !bytes.Equal(a.Data(), pcm16(1, 2)) {
		t.Errorf("evicted frame: refs=%d data=%v, want caller's ref intact", a.Refs(), a.Data())
	}
	a.Release()
	if a.Data() != nil {
		t.Error("last release should free the evicted frame")
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "junk.bin"), []byte("not audio at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	writeWAV(t, dir, "big.wav", 8000, 1, make([]int, 512))

	tests := []struct {
		name    string
		locator string
		format  audio.Format
		opts    []source.Option
		want    error
	}{
		{name: "missing file", locator: "nope.wav", format: mono8k, want: os.ErrNotExist},
		{name: "unknown scheme", locator: "ftp://example.com/a.wav", format: mono8k, want: source.ErrUnsupportedLocator},
		{name: "unknown container", locator: "junk.bin", format: mono8k, want: source.ErrUnsupportedContainer},
		{name: "too large", locator: "big.wav", format: mono8k, opts: []source.Option{source.WithMaxBytes(64)}, want: source.ErrTooLarge},
		{name: "invalid format", locator: "big.wav", format: audio.Format{SampleRate: 8000, BitsPerChannel: 8, Channels: 1}, want: audio.StatusUnsupportedFormat},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := source.New(append([]source.Option{source.WithBaseDir(dir)}, tc.opts...)...)
			f, err := r.Resolve(context.Background(), tc.locator, tc.format)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if f != nil {
				t.Error("frame should be nil on error")
			}
			if r.Cached() != 0 {
				t.Errorf("Cached = %d after failure, want 0", r.Cached())
			}
		})
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func TestResolve_HTTPUsesContentType(t *testing.T) {
	t.Parallel()
	clip := wavBytes(t, 8000, 1, []int{7, 8})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(clip)
	}))
	t.Cleanup(srv.Close)

	f, err := source.New().Resolve(context.Background(), srv.URL+"/sounds/ding", mono8k)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	release(t, f)
	if want := pcm16(7, 8); !bytes.Equal(f.Data(), want) {
		t.Errorf("data = %v, want %v", f.Data(), want)
	}
}

func TestResolve_ConcurrentMissesShareOneLoad(t *testing.T) {
	t.Parallel()
	clip := wavBytes(t, 8000, 1, []int{1, 2, 3})
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		_, _ = w.Write(clip)
	}))
	t.Cleanup(srv.Close)

	r := source.New()
	const callers = 8
	frames := make([]*frame.Frame, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			frames[i], errs[i] = r.Resolve(context.Background(), srv.URL+"/a.wav", mono8k)
		})
	}
	for hits.Load() == 0 {
		runtime.Gosched()
	}
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		release(t, frames[i])
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
}

func TestResolve_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	t.Parallel()
	clip := wavBytes(t, 8000, 1, []int{1, 2, 3})
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		_, _ = w.Write(clip)
	}))
	t.Cleanup(srv.Close)

	r := source.New()
	url := srv.URL + "/shared.wav"

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		f, err := r.Resolve(ctx, url, mono8k)
		if f != nil {
			f.Release()
		}
		first <- err
	}()
	for hits.Load() == 0 {
		runtime.Gosched()
	}

	cancel()
	select {
	case err := <-first:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting on the shared load")
	}

	second := make(chan error, 1)
	var got *frame.Frame
	go func() {
		var err error
		got, err = r.Resolve(context.Background(), url, mono8k)
		second <- err
	}()
	close(gate)

	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("follower: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not finish")
	}
	release(t, got)
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestResolve_HTTPClientErrorDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	r := source.New(source.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1}))
	for range 3 {
		_, err := r.Resolve(context.Background(), srv.URL+"/missing.wav", mono8k)
		var se *source.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusNotFound {
			t.Fatalf("err = %v, want 404 StatusError", err)
		}
	}
	for host, st := range r.HostStates() {
		if st != resilience.StateClosed {
			t.Errorf("host %s breaker = %s, want closed", host, st)
		}
	}
}

func TestResolve_HTTPServerErrorsOpenBreaker(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	var opened atomic.Bool
	r := source.New(source.WithBreaker(resilience.CircuitBreakerConfig{
		MaxFailures: 1,
		OnStateChange: func(_ string, _, to resilience.State) {
			if to == resilience.StateOpen {
				opened.Store(true)
			}
		},
	}))

	if _, err := r.Resolve(context.Background(), srv.URL+"/a.wav", mono8k); err == nil {
		t.Fatal("expected error from 502")
	}
	if !opened.Load() {
		t.Fatal("breaker should open after a server error")
	}
	before := hits.Load()
	_, err := r.Resolve(context.Background(), srv.URL+"/b.wav", mono8k)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != before {
		t.Error("open breaker should not reach the server")
	}
}

func TestResolve_Close(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeWAV(t, dir, "a.wav", 8000, 1, []int{1})
	r := source.New(source.WithBaseDir(dir))
	f, err := r.Resolve(context.Background(), "a.wav", mono8k)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Cached() != 0 || f.Refs() != 1 {
		t.Errorf("after Close: cached=%d refs=%d, want 0 and 1", r.Cached(), f.Refs())
	}
	f.Release()
}
