package worker

import (
	"context"
	"runtime"

	"github.com/rocketbitz/fabricproto-go/proto"
)

// Progress delivers transport completions and active messages and then
// resumes the requests that were waiting for resources. It returns the
// number of events processed.
func (w *Worker) Progress() int {
	if w.closed {
		return 0
	}
	n := 0
	for _, r := range w.rscs {
		n += r.iface.Progress()
	}
	if len(w.pending) == 0 {
		return n
	}
	batch := w.pending
	w.pending = nil
	for _, req := range batch {
		if req.Done() {
			continue
		}
		req.Send()
		n++
	}
	return n
}

// Wait progresses w until req completes or ctx ends.
func (w *Worker) Wait(ctx context.Context, req *proto.Request) error {
	return Wait(ctx, req, w)
}

// Wait progresses every worker until req completes or ctx ends. It returns
// the request status, or the context error.
func Wait(ctx context.Context, req *proto.Request, workers ...*Worker) error {
	ctx = ensureContext(ctx)
	for !req.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed := 0
		for _, w := range workers {
			progressed += w.Progress()
		}
		if progressed == 0 {
			runtime.Gosched()
		}
	}
	return req.Err()
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
