package types

import "errors"

var (
	// ErrExtractionFailed means every extraction strategy was exhausted.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrUpstream means the upstream media host answered with a 4xx/5xx.
	ErrUpstream = errors.New("upstream rejected request")
	// ErrRangeNotSatisfiable is a client input error, answered with 416.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	// ErrProcessTimeout means a child process hit its wall-clock limit.
	ErrProcessTimeout = errors.New("process timed out")
	// ErrProxyExhausted means the pool is empty and direct egress failed too.
	ErrProxyExhausted = errors.New("proxy pool exhausted")
	// ErrTranscodeFailed means the transcoder produced no output.
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrTranscodeBusy means the concurrent transcode cap was reached.
	ErrTranscodeBusy = errors.New("transcode capacity reached")
	// ErrNotFound means the song id is unknown to the catalog.
	ErrNotFound = errors.New("not found")
)
