// Package ratelimit throttles inter-node SSTable segment transfers to
// spec.md §5's max_transfer_rate bytes/s during node addition, removal,
// and rebalancing, via golang.org/x/time/rate's token bucket.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter with a byte-oriented Reader/Writer
// throttle, since segment transfer deals in byte streams rather than
// discrete events.
type Limiter struct {
	b *rate.Limiter
}

// New returns a Limiter allowing up to bytesPerSecond sustained, with
// a burst of one second's worth (so a single small transfer isn't
// needlessly delayed).
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return &Limiter{b: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(bytesPerSecond)
	return &Limiter{b: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// WaitN blocks until n bytes' worth of budget is available or ctx is
// done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	burst := l.b.Burst()
	if burst > 0 && n > burst {
		// Split into burst-sized chunks so WaitN never rejects a request
		// for exceeding the bucket's total capacity outright.
		for n > burst {
			if err := l.b.WaitN(ctx, burst); err != nil {
				return err
			}
			n -= burst
		}
	}
	return l.b.WaitN(ctx, n)
}

// Reader throttles reads from an underlying io.Reader to the
// Limiter's configured rate.
type Reader struct {
	ctx context.Context
	r   io.Reader
	lim *Limiter
}

// NewReader wraps r so that Read calls block on lim's token bucket.
func NewReader(ctx context.Context, r io.Reader, lim *Limiter) *Reader {
	return &Reader{ctx: ctx, r: r, lim: lim}
}

func (tr *Reader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if werr := tr.lim.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Writer throttles writes to an underlying io.Writer to the Limiter's
// configured rate.
type Writer struct {
	ctx context.Context
	w   io.Writer
	lim *Limiter
}

// NewWriter wraps w so that Write calls block on lim's token bucket
// before the underlying write, bounding how fast a segment transfer
// can drain the bucket.
func NewWriter(ctx context.Context, w io.Writer, lim *Limiter) *Writer {
	return &Writer{ctx: ctx, w: w, lim: lim}
}

func (tw *Writer) Write(p []byte) (int, error) {
	if err := tw.lim.WaitN(tw.ctx, len(p)); err != nil {
		return 0, err
	}
	return tw.w.Write(p)
}
