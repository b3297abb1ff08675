// Package transcode re-encodes a resolved media URL to MP3 with ffmpeg and
// pipes the output to the client as it is produced.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"audiorelay/internal/procrun"
	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"

	"golang.org/x/sync/semaphore"
)

const (
	defaultBinary        = "ffmpeg"
	defaultBitrate       = "128k"
	defaultSampleRate    = 44100
	defaultMaxConcurrent = 4
	chunkSize            = 32 * 1024
)

var errClientWrite = errors.New("client write failed")

// Source opens the upstream body on the transcoder's behalf. ffmpeg cannot
// pin an address family or speak SOCKS, so URLs signed for a specific
// address are fetched in process and fed to it on stdin.
type Source interface {
	Open(ctx context.Context, ref *types.MediaReference, userAgent string) (io.ReadCloser, error)
}

// Options configures the ffmpeg fallback.
type Options struct {
	Binary        string
	Bitrate       string
	SampleRate    int
	MaxConcurrent int
	UserAgent     string
	// Source is optional. Without it ffmpeg always fetches the URL itself.
	Source Source
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = defaultBinary
	}
	if o.Bitrate == "" {
		o.Bitrate = defaultBitrate
	}
	if o.SampleRate <= 0 {
		o.SampleRate = defaultSampleRate
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	return o
}

// FFmpeg serves transcoded streams. At most MaxConcurrent run at once.
type FFmpeg struct {
	runner procrun.Runner
	opts   Options
	sem    *semaphore.Weighted
	active atomic.Int64
}

func New(runner procrun.Runner, opts Options) *FFmpeg {
	opts = opts.withDefaults()
	return &FFmpeg{
		runner: runner,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// NewFromConfig builds the transcoder from the [transcode] section.
func NewFromConfig(cfg types.TranscodeConf, runner procrun.Runner, userAgent string, source Source) *FFmpeg {
	return New(runner, Options{
		Binary:        cfg.FFmpegPath,
		Bitrate:       cfg.Bitrate,
		MaxConcurrent: cfg.MaxConcurrent,
		UserAgent:     userAgent,
		Source:        source,
	})
}

// Active is the number of running transcodes.
func (f *FFmpeg) Active() int64 {
	return f.active.Load()
}

// Args builds the ffmpeg argument vector for ref. Only plain HTTP proxies are
// passed on; ffmpeg has no SOCKS support.
func (f *FFmpeg) Args(ref *types.MediaReference, userAgent string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
	}
	if userAgent != "" {
		args = append(args, "-user_agent", userAgent)
	}
	if p := httpProxy(ref.Proxy); p != "" {
		args = append(args, "-http_proxy", p)
	}
	args = append(args, "-i", ref.ResolvedMediaURL)
	return append(args, f.outputArgs()...)
}

// PipeArgs builds the argument vector for input fed on stdin.
func (f *FFmpeg) PipeArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}
	return append(args, f.outputArgs()...)
}

func (f *FFmpeg) outputArgs() []string {
	return []string{
		"-vn",
		"-acodec", "libmp3lame",
		"-b:a", f.opts.Bitrate,
		"-ar", strconv.Itoa(f.opts.SampleRate),
		"-f", "mp3",
		"pipe:1",
	}
}

// feedsStdin reports whether ref must be fetched in process: it is bound to
// an address family, or to a proxy ffmpeg cannot use.
func (f *FFmpeg) feedsStdin(ref *types.MediaReference) bool {
	if f.opts.Source == nil || httpProxy(ref.Proxy) != "" {
		return false
	}
	return ref.IPFamily != types.FamilyAny || ref.Proxy != ""
}

func httpProxy(addr string) string {
	if addr == "" {
		return ""
	}
	u, err := url.Parse(addr)
	if err != nil || u.Scheme != "http" {
		return ""
	}
	return u.String()
}

// Serve implements stream.Transcoder. The response is always a sequential
// 200; Range is ignored. Cancelling the request context kills ffmpeg.
func (f *FFmpeg) Serve(w http.ResponseWriter, r *http.Request, ref *types.MediaReference) error {
	log := logger.FromContext(r.Context(), "Transcode")

	if !f.sem.TryAcquire(1) {
		log.Warn().Int("max_concurrent", f.opts.MaxConcurrent).Msg("Transcode capacity reached.")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return types.ErrTranscodeBusy
	}
	defer f.sem.Release(1)

	if r.Method == http.MethodHead {
		writeHeaders(w, ref)
		return nil
	}

	f.active.Add(1)
	defer f.active.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ua := r.UserAgent()
	if ua == "" {
		ua = f.opts.UserAgent
	}
	args := f.Args(ref, ua)
	var input io.ReadCloser
	if f.feedsStdin(ref) {
		body, err := f.opts.Source.Open(ctx, ref, ua)
		if err != nil {
			log.Debug().Err(err).Str("family", ref.IPFamily.String()).Msg("Pinned fetch failed, ffmpeg will fetch the URL itself.")
		} else {
			input = body
			args = f.PipeArgs()
		}
	}
	var stdin io.Reader
	if input != nil {
		stdin = input
	}

	proc, err := f.runner.Start(ctx, f.opts.Binary, args, stdin)
	if err != nil {
		if input != nil {
			input.Close()
		}
		log.Error().Err(err).Msg("Failed to start ffmpeg.")
		http.Error(w, "Stream failed", http.StatusInternalServerError)
		return fmt.Errorf("%w: %w", types.ErrTranscodeFailed, err)
	}
	defer func() {
		proc.Kill()
		// Unblocks the stdin copy so Wait returns.
		if input != nil {
			input.Close()
		}
		proc.Wait()
	}()
	log.Debug().Int("pid", proc.Pid()).Msg("ffmpeg started.")

	buf := make([]byte, chunkSize)
	n, readErr := readFirst(proc.Stdout, buf)
	if n == 0 {
		waitErr := proc.Wait()
		if ctx.Err() != nil {
			return fmt.Errorf("client went away: %w", ctx.Err())
		}
		if waitErr != nil {
			readErr = waitErr
		}
		log.Error().Err(readErr).Msg("ffmpeg produced no output.")
		http.Error(w, "Stream failed", http.StatusInternalServerError)
		return fmt.Errorf("%w: no output: %w", types.ErrTranscodeFailed, readErr)
	}

	writeHeaders(w, ref)
	rc := http.NewResponseController(w)
	if _, err := w.Write(buf[:n]); err != nil {
		return fmt.Errorf("client went away: %w", err)
	}
	rc.Flush()

	err = pipe(w, rc, proc.Stdout, buf)
	if ctx.Err() != nil || errors.Is(err, errClientWrite) {
		log.Debug().AnErr("cause", err).Msg("Client disconnected, killing ffmpeg.")
		return fmt.Errorf("client went away: %w", errors.Join(ctx.Err(), err))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrTranscodeFailed, err)
	}
	if err := proc.Wait(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg exited with an error mid-stream.")
		return fmt.Errorf("%w: %w", types.ErrTranscodeFailed, err)
	}
	return nil
}

func writeHeaders(w http.ResponseWriter, ref *types.MediaReference) {
	h := w.Header()
	h.Set("Content-Type", "audio/mpeg")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	if ref.Duration > 0 {
		h.Set("X-Content-Duration", strconv.FormatFloat(ref.Duration.Seconds(), 'f', 3, 64))
	}
	w.WriteHeader(http.StatusOK)
}

// readFirst blocks until the child writes something or closes stdout.
func readFirst(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return n, err
		}
	}
}

// pipe copies src to w, flushing after every chunk so the player starts
// without waiting for the server's buffer to fill.
func pipe(w io.Writer, rc *http.ResponseController, src io.Reader, buf []byte) error {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: %w", errClientWrite, werr)
			}
			rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
