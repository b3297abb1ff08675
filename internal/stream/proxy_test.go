package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"audiorelay/internal/shared/types"
	"audiorelay/proxypool/model"
)

const totalSize = 10_000_000

var media = func() []byte {
	b := make([]byte, totalSize)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}()

// upstream serves media with full Range support and counts requests.
type upstream struct {
	*httptest.Server
	heads atomic.Int32
	gets  atomic.Int32
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	if h == nil {
		h = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "audio/mp4")
			http.ServeContent(w, r, "song.m4a", time.Time{}, bytes.NewReader(media))
		}
	}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			u.heads.Add(1)
		} else {
			u.gets.Add(1)
		}
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

type fakeTranscoder struct {
	calls atomic.Int32
}

func (f *fakeTranscoder) Serve(w http.ResponseWriter, r *http.Request, ref *types.MediaReference) error {
	f.calls.Add(1)
	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte("MP3DATA"))
	return err
}

type fakePool struct {
	current string
	mu      sync.Mutex
	failed  []string
}

func (p *fakePool) Current() string { return p.current }

func (p *fakePool) ReportFailure(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, addr)
}

func newTestProxy() *Proxy {
	return NewProxy(NewClientFactory(ClientOptions{}), Options{ProbeTimeout: 2 * time.Second})
}

func ref(url string) *types.MediaReference {
	return &types.MediaReference{
		SourceRef:        "https://www.youtube.com/watch?v=abc",
		ResolvedMediaURL: url,
		IPFamily:         types.FamilyV4,
		Method:           types.MethodDirectV4,
	}
}

func do(t *testing.T, p *Proxy, method, rangeHeader, ua string, mr *types.MediaReference) (*httptest.ResponseRecorder, State, error) {
	t.Helper()
	req := httptest.NewRequest(method, "/stream/1", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	rec := httptest.NewRecorder()
	state, err := p.Serve(rec, req, mr)
	return rec, state, err
}

func TestServe_FullResource(t *testing.T) {
	up := newUpstream(t, nil)
	rec, state, err := do(t, newTestProxy(), http.MethodGet, "", "", ref(up.URL+"/media/song.m4a"))
	if err != nil || state != StateCompleted {
		t.Fatalf("state=%v err=%v", state, err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "10000000" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if rec.Header().Get("Content-Range") != "" {
		t.Error("Content-Range set on a 200")
	}
	if !bytes.Equal(rec.Body.Bytes(), media) {
		t.Errorf("body mismatch: got %d bytes", rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Header().Get("Cache-Control") != "public, max-age=3600" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("cache headers missing: %v", rec.Header())
	}
}

func TestServe_PartialContent(t *testing.T) {
	up := newUpstream(t, nil)
	rec, _, err := do(t, newTestProxy(), http.MethodGet, "bytes=0-1023", "", ref(up.URL+"/a.m4a"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-1023/10000000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "1024" {
		t.Errorf("Content-Length = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), media[:1024]) {
		t.Error("body does not match the requested span")
	}
}

// partialUpstream answers ranged GETs with a 206 whose span comes from
// answer; HEAD and unranged requests get the whole resource.
func partialUpstream(t *testing.T, answer func(req RangeSpec) (RangeSpec, string)) *upstream {
	t.Helper()
	return newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mp4")
		req, err := ParseRange(r.Header.Get("Range"), totalSize)
		if err != nil || req == nil || r.Method == http.MethodHead {
			http.ServeContent(w, r, "song.m4a", time.Time{}, bytes.NewReader(media))
			return
		}
		served, contentRange := answer(*req)
		w.Header().Set("Content-Range", contentRange)
		w.Header().Set("Content-Length", strconv.FormatInt(served.Length(), 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(media[served.Start : served.End+1])
	})
}

func TestServe_UpstreamNarrowsRange(t *testing.T) {
	up := partialUpstream(t, func(req RangeSpec) (RangeSpec, string) {
		served := req.Capped(1000)
		return served, served.ContentRange()
	})

	cases := []struct {
		header, contentRange string
		start, end           int64
	}{
		{"bytes=0-4999", "bytes 0-999/10000000", 0, 999},
		{"bytes=5000-", "bytes 5000-5999/10000000", 5000, 5999},
		{"bytes=100-599", "bytes 100-599/10000000", 100, 599},
	}
	for _, c := range cases {
		t.Run(c.header, func(t *testing.T) {
			rec, state, err := do(t, newTestProxy(), http.MethodGet, c.header, "", ref(up.URL+"/a.m4a"))
			if err != nil || state != StateCompleted {
				t.Fatalf("state=%v err=%v", state, err)
			}
			if rec.Code != http.StatusPartialContent {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := rec.Header().Get("Content-Range"); got != c.contentRange {
				t.Errorf("Content-Range = %q, want %q", got, c.contentRange)
			}
			if got := rec.Header().Get("Content-Length"); got != strconv.FormatInt(c.end-c.start+1, 10) {
				t.Errorf("Content-Length = %q", got)
			}
			if !bytes.Equal(rec.Body.Bytes(), media[c.start:c.end+1]) {
				t.Errorf("body is %d bytes, not the announced span", rec.Body.Len())
			}
		})
	}
}

func TestServe_UpstreamAlignedRangeIsTrimmed(t *testing.T) {
	up := partialUpstream(t, func(req RangeSpec) (RangeSpec, string) {
		served := req
		served.Start &^= 4095
		return served, served.ContentRange()
	})

	rec, state, err := do(t, newTestProxy(), http.MethodGet, "bytes=5000-5999", "", ref(up.URL+"/a.m4a"))
	if err != nil || state != StateCompleted {
		t.Fatalf("state=%v err=%v", state, err)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 5000-5999/10000000" {
		t.Errorf("Content-Range = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), media[5000:6000]) {
		t.Error("leading bytes of the aligned answer were not skipped")
	}
}

func TestServe_UnusablePartialAnswerFallsBack(t *testing.T) {
	cases := map[string]func(req RangeSpec) (RangeSpec, string){
		"starts after the request": func(req RangeSpec) (RangeSpec, string) {
			served := RangeSpec{Start: req.Start + 1000, End: req.Start + 1999, TotalSize: totalSize}
			return served, served.ContentRange()
		},
		"different size": func(req RangeSpec) (RangeSpec, string) {
			return req, "bytes " + strconv.FormatInt(req.Start, 10) + "-" + strconv.FormatInt(req.End, 10) + "/12345678"
		},
		"garbage header": func(req RangeSpec) (RangeSpec, string) {
			return req, "bytes whatever"
		},
	}
	for name, answer := range cases {
		t.Run(name, func(t *testing.T) {
			up := partialUpstream(t, answer)
			p := newTestProxy()
			tc := &fakeTranscoder{}
			p.SetTranscoder(tc)

			rec, state, err := do(t, p, http.MethodGet, "bytes=5000-5999", "", ref(up.URL+"/a.m4a"))
			if err != nil || state != StateCompleted {
				t.Fatalf("state=%v err=%v", state, err)
			}
			if tc.calls.Load() != 1 {
				t.Fatalf("transcoder called %d times", tc.calls.Load())
			}
			if rec.Code != http.StatusOK || rec.Header().Get("Content-Range") != "" {
				t.Errorf("status=%d Content-Range=%q", rec.Code, rec.Header().Get("Content-Range"))
			}
		})
	}
}

func TestServe_MidFileRanges(t *testing.T) {
	up := newUpstream(t, nil)
	p := newTestProxy()
	for _, c := range []struct {
		header     string
		start, end int64
	}{
		{"bytes=5000000-5000099", 5000000, 5000099},
		{"bytes=9999000-", 9999000, 9999999},
		{"bytes=-10", 9999990, 9999999},
	} {
		rec, _, err := do(t, p, http.MethodGet, c.header, "", ref(up.URL+"/a.m4a"))
		if err != nil {
			t.Fatalf("%s: %v", c.header, err)
		}
		want := RangeSpec{c.start, c.end, totalSize}
		if rec.Code != http.StatusPartialContent || rec.Header().Get("Content-Range") != want.ContentRange() {
			t.Errorf("%s: status=%d Content-Range=%q", c.header, rec.Code, rec.Header().Get("Content-Range"))
		}
		if !bytes.Equal(rec.Body.Bytes(), media[c.start:c.end+1]) {
			t.Errorf("%s: body mismatch", c.header)
		}
	}
}

func TestServe_RangeNotSatisfiable(t *testing.T) {
	up := newUpstream(t, nil)
	p := newTestProxy()
	for _, h := range []string{"bytes=9999999-10000100", "bytes=10000000-", "bytes=500-100", "bytes=0-99999999999999999999"} {
		rec, state, err := do(t, p, http.MethodGet, h, "", ref(up.URL+"/a.m4a"))
		if !errors.Is(err, types.ErrRangeNotSatisfiable) || state != StateCompleted {
			t.Errorf("%s: state=%v err=%v", h, state, err)
		}
		if rec.Code != http.StatusRequestedRangeNotSatisfiable {
			t.Errorf("%s: status = %d", h, rec.Code)
		}
		if got := rec.Header().Get("Content-Range"); got != "bytes */10000000" {
			t.Errorf("%s: Content-Range = %q", h, got)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("%s: body not empty", h)
		}
	}
	if up.gets.Load() != 0 {
		t.Errorf("upstream body fetched %d times for unsatisfiable ranges", up.gets.Load())
	}
}

func TestServe_MobileCap(t *testing.T) {
	up := newUpstream(t, nil)
	const iphone = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15"

	rec, _, err := do(t, newTestProxy(), http.MethodGet, "bytes=1000-", iphone, ref(up.URL+"/a.m4a"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 1000-525287/10000000" {
		t.Errorf("Content-Range = %q, want the narrowed span", got)
	}
	if rec.Body.Len() != 512*1024 {
		t.Errorf("served %d bytes, want %d", rec.Body.Len(), 512*1024)
	}

	// Without a Range header mobile clients still get the whole file.
	rec, _, _ = do(t, newTestProxy(), http.MethodGet, "", iphone, ref(up.URL+"/a.m4a"))
	if rec.Code != http.StatusOK || rec.Body.Len() != totalSize {
		t.Errorf("mobile full request: status=%d len=%d", rec.Code, rec.Body.Len())
	}
}

func TestServe_HeadAnsweredFromProbe(t *testing.T) {
	up := newUpstream(t, nil)
	mr := ref(up.URL + "/a.m4a")
	mr.Duration = 212091 * time.Millisecond

	rec, state, err := do(t, newTestProxy(), http.MethodHead, "bytes=0-99", "", mr)
	if err != nil || state != StateCompleted {
		t.Fatalf("state=%v err=%v", state, err)
	}
	if rec.Code != http.StatusPartialContent || rec.Header().Get("Content-Length") != "100" {
		t.Errorf("status=%d Content-Length=%q", rec.Code, rec.Header().Get("Content-Length"))
	}
	if rec.Header().Get("X-Content-Duration") != "212.091" {
		t.Errorf("X-Content-Duration = %q", rec.Header().Get("X-Content-Duration"))
	}
	if rec.Body.Len() != 0 || up.gets.Load() != 0 {
		t.Errorf("HEAD fetched a body: len=%d gets=%d", rec.Body.Len(), up.gets.Load())
	}
}

func TestServe_UpstreamIgnoresRange(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10000000")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(media)
	})

	rec, _, err := do(t, newTestProxy(), http.MethodGet, "bytes=4096-8191", "", ref(up.URL+"/a.mp3"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusPartialContent || rec.Header().Get("Content-Range") != "bytes 4096-8191/10000000" {
		t.Fatalf("status=%d Content-Range=%q", rec.Code, rec.Header().Get("Content-Range"))
	}
	if !bytes.Equal(rec.Body.Bytes(), media[4096:8192]) {
		t.Error("body not aligned to the requested offset")
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want guess from extension", got)
	}
}

func TestServe_ProbeFallsBackToRangedGet(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(media))
	})

	rec, _, err := do(t, newTestProxy(), http.MethodGet, "bytes=0-9", "", ref(up.URL+"/videoplayback?mime=audio%2Fwebm&ip=1.2.3.4"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get("Content-Range") != "bytes 0-9/10000000" {
		t.Errorf("Content-Range = %q", rec.Header().Get("Content-Range"))
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/webm" {
		t.Errorf("Content-Type = %q, want mime parameter", got)
	}
	if up.gets.Load() != 2 {
		t.Errorf("gets = %d, want probe + fetch", up.gets.Load())
	}
}

func TestServe_UpstreamRejectionFallsBack(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	p := newTestProxy()
	tc := &fakeTranscoder{}
	p.SetTranscoder(tc)

	var events []Event
	p.SetObserver(func(e Event) { events = append(events, e) })

	rec, state, err := do(t, p, http.MethodGet, "bytes=0-1023", "", ref(up.URL+"/a.m4a"))
	if err != nil || state != StateCompleted {
		t.Fatalf("state=%v err=%v", state, err)
	}
	if tc.calls.Load() != 1 {
		t.Fatalf("transcoder called %d times", tc.calls.Load())
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "MP3DATA" {
		t.Errorf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Accept-Ranges") != "" {
		t.Error("Accept-Ranges advertised on a transcoded stream")
	}

	want := []State{StateAttemptingRawProxy, StateFallbackToTranscode, StateCompleted}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, s := range want {
		if events[i].To != s {
			t.Errorf("event %d to %v, want %v", i, events[i].To, s)
		}
	}
	if events[2].Bytes != int64(len("MP3DATA")) {
		t.Errorf("transcoded bytes = %d", events[2].Bytes)
	}
}

func TestServe_RejectionWithoutTranscoder(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	rec, state, err := do(t, newTestProxy(), http.MethodGet, "", "", ref(up.URL+"/a.m4a"))
	if !errors.Is(err, types.ErrUpstream) || state != StateAborted {
		t.Fatalf("state=%v err=%v", state, err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestServe_FamilyPinning(t *testing.T) {
	up := newUpstream(t, nil) // listens on 127.0.0.1
	p := newTestProxy()
	tc := &fakeTranscoder{}
	p.SetTranscoder(tc)

	mr := ref(up.URL + "/a.m4a")
	mr.IPFamily = types.FamilyV6
	do(t, p, http.MethodGet, "bytes=0-1", "", mr)
	if tc.calls.Load() != 1 || up.heads.Load()+up.gets.Load() != 0 {
		t.Fatalf("IPv6-pinned fetch reached an IPv4 upstream (heads=%d gets=%d)", up.heads.Load(), up.gets.Load())
	}

	mr.IPFamily = types.FamilyV4
	rec, _, err := do(t, p, http.MethodGet, "bytes=0-1", "", mr)
	if err != nil || rec.Code != http.StatusPartialContent {
		t.Fatalf("IPv4-pinned fetch failed: %d %v", rec.Code, err)
	}
}

func TestServe_RoutesThroughPoolCandidate(t *testing.T) {
	var viaProxy atomic.Int32
	fwd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.IsAbs() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		viaProxy.Add(1)
		http.ServeContent(w, r, "a.m4a", time.Time{}, bytes.NewReader(media))
	}))
	defer fwd.Close()

	p := newTestProxy()
	pool := &fakePool{current: fwd.URL}
	p.SetPool(pool)

	// The host does not exist; only the proxy can answer.
	rec, _, err := do(t, p, http.MethodGet, "bytes=0-1023", "", ref("http://media.invalid/a.m4a"))
	if err != nil || rec.Code != http.StatusPartialContent {
		t.Fatalf("status=%d err=%v", rec.Code, err)
	}
	if viaProxy.Load() == 0 {
		t.Fatal("request did not go through the pool candidate")
	}

	// Passthrough file URLs are never proxied.
	up := newUpstream(t, nil)
	before := viaProxy.Load()
	pass := ref(up.URL + "/a.m4a")
	pass.Method = types.MethodPassthrough
	pass.IPFamily = types.FamilyAny
	do(t, p, http.MethodGet, "bytes=0-1", "", pass)
	if viaProxy.Load() != before {
		t.Error("passthrough reference was routed through the pool")
	}

	// DIRECT means no proxy at all.
	pool.current = model.Direct
	if got := p.identity(ref("http://x/")); got != "" {
		t.Errorf("identity with DIRECT pool = %q", got)
	}
}

func TestServe_ProxyRejectionReported(t *testing.T) {
	fwd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer fwd.Close()

	p := newTestProxy()
	p.SetTranscoder(&fakeTranscoder{})
	mr := ref("http://media.invalid/a.m4a")
	mr.Proxy = fwd.URL
	pool := &fakePool{current: model.Direct}
	p.SetPool(pool)

	do(t, p, http.MethodGet, "", "", mr)
	if len(pool.failed) != 1 || pool.failed[0] != fwd.URL {
		t.Errorf("failures reported = %v", pool.failed)
	}
}

func TestHandle_ResolveFailure(t *testing.T) {
	p := newTestProxy()
	secret := "ERROR: [youtube] Sign in to confirm you're not a bot. SID=topsecret"

	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	rec := httptest.NewRecorder()
	state, err := p.Handle(rec, req, func(context.Context) (*types.MediaReference, error) {
		return nil, errors.Join(types.ErrExtractionFailed, errors.New(secret))
	})
	if state != StateAborted || !errors.Is(err, types.ErrExtractionFailed) {
		t.Fatalf("state=%v err=%v", state, err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "topsecret") || strings.Contains(rec.Body.String(), "bot") {
		t.Errorf("extractor output leaked to the client: %q", rec.Body.String())
	}
	if len(p.Sessions()) != 0 {
		t.Error("session not released")
	}
}

func TestServe_ClientDisconnectAborts(t *testing.T) {
	up := newUpstream(t, nil)
	p := newTestProxy()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil).WithContext(ctx)
	w := &cancelAfterWriter{ResponseRecorder: httptest.NewRecorder(), cancel: cancel, after: 64 * 1024}

	state, err := p.Serve(w, req, ref(up.URL+"/a.m4a"))
	if state != StateAborted || err == nil {
		t.Fatalf("state=%v err=%v", state, err)
	}
	if w.Body.Len() >= totalSize {
		t.Error("whole body copied after disconnect")
	}
}

// cancelAfterWriter cancels the request context once enough bytes went out,
// then fails further writes like a closed connection would.
type cancelAfterWriter struct {
	*httptest.ResponseRecorder
	cancel context.CancelFunc
	after  int
	sent   int
}

func (w *cancelAfterWriter) Write(b []byte) (int, error) {
	if w.sent >= w.after {
		w.cancel()
		return 0, io.ErrClosedPipe
	}
	n, err := w.ResponseRecorder.Write(b)
	w.sent += n
	return n, err
}
