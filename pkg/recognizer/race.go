package recognizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrAllFailed = errors.New("all recognizers failed")

var nopLogger = zap.NewNop()

type raceResult struct {
	r    *Response
	err  error
	from Recognizer
}

// Race sends req to every recognizer and returns the first response
// carrying a payload. Losers are cancelled.
func Race(ctx context.Context, req *Request, recognizers []Recognizer, logger *zap.Logger) (*Response, error) {
	if logger == nil {
		logger = nopLogger
	}

	t := len(recognizers)
	if t == 0 {
		return nil, ErrAllFailed
	}
	if t == 1 {
		return recognizers[0].Recognize(ctx, req)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	c := make(chan *raceResult, t)
	for _, u := range recognizers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := u.Recognize(taskCtx, req)
			select {
			case c <- &raceResult{r: r, err: err, from: u}:
			case <-taskCtx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(c)
	}()

	var errs []error
	var msgs []string
	for res := range c {
		if res.err == nil && res.r != nil {
			cancel()
			return res.r, nil
		}
		if errors.Is(res.err, context.Canceled) {
			logger.Debug("recognizer canceled", zap.String("addr", res.from.Address()))
			continue
		}
		logger.Warn("recognizer failed", zap.String("addr", res.from.Address()), zap.Error(res.err))
		errs = append(errs, res.err)
		msgs = append(msgs, fmt.Sprintf("[%s: %v]", res.from.Address(), res.err))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errs) == 0 {
		return nil, ErrAllFailed
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrAllFailed, strings.Join(msgs, ", "), errors.Join(errs...))
}

// Group is a Recognizer racing several endpoints.
type Group struct {
	rs     []Recognizer
	logger *zap.Logger
}

func NewGroup(rs []Recognizer, logger *zap.Logger) *Group {
	return &Group{rs: rs, logger: logger}
}

func (g *Group) Recognize(ctx context.Context, req *Request) (*Response, error) {
	return Race(ctx, req, g.rs, g.logger)
}

func (g *Group) Address() string {
	addrs := make([]string, 0, len(g.rs))
	for _, r := range g.rs {
		addrs = append(addrs, r.Address())
	}
	return strings.Join(addrs, ",")
}

func (g *Group) Close() error {
	var errs []error
	for _, r := range g.rs {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
