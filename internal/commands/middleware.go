package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"relaybot/internal/observability/metrics"
	logx "relaybot/pkg/logx"
)

// HandlerFunc returns the reply text on success. A returned error becomes a
// failure reply.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (text string, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			text, err := next(ctx, req)
			d := time.Since(start)

			result := "ok"
			if err != nil {
				result = "fail"
			}
			metrics.Commands.WithLabelValues(req.Name, result).Inc()

			fields := []logx.Field{
				logx.String("cmd", req.Name),
				logx.Int64("chat_id", req.ChatID),
				logx.Int64("from_id", req.UserID),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				req.Log.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				req.Log.Info("command ok", fields...)
			default:
				req.Log.Debug("command ok", fields...)
			}
			return text, err
		}
	}
}
