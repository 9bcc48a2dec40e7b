package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/halteske/wirejson"
)

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addResult struct {
	Sum int `json:"sum"`
}

type countdownParams struct {
	Count int `json:"count"`
}

type indexParams struct {
	Files   int `json:"files"`
	DelayMS int `json:"delayMS"`
}

type slowParams struct {
	Seconds int `json:"seconds"`
}

func runServer(ctx context.Context, cfg config) error {
	strategy, err := cancellation(cfg)
	if err != nil {
		return err
	}

	conn := wirejson.NewConn(wirejson.Stdio(),
		wirejson.WithLogger(newLogger(cfg)),
		wirejson.WithCancellation(strategy),
		wirejson.WithTraceLevel(wirejson.ParseTraceLevel(cfg.Trace)),
	)
	registerDemoHandlers(conn)

	return conn.Listen(ctx)
}

func registerDemoHandlers(conn *wirejson.Conn) {
	conn.HandleRequest("demo/add", func(_ context.Context, _ string, params json.RawMessage, _ wirejson.CancelToken) (any, error) {
		var p addParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &wirejson.ResponseError{Code: wirejson.CodeInvalidParams, Message: err.Error()}
		}
		return addResult{Sum: p.A + p.B}, nil
	})

	conn.HandleRequest("demo/countdown", func(ctx context.Context, _ string, params json.RawMessage, _ wirejson.CancelToken) (any, error) {
		var p countdownParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &wirejson.ResponseError{Code: wirejson.CodeInvalidParams, Message: err.Error()}
		}

		// Stream each step to the caller when it asked for partial results.
		tok, streaming := wirejson.PartialResultToken(params)
		for i := p.Count; i > 0; i-- {
			if streaming {
				if err := conn.Progress(ctx, tok, fmt.Sprintf("%d", i)); err != nil {
					return nil, err
				}
			}
		}
		return map[string]string{"status": "liftoff"}, nil
	})

	conn.HandleRequest("demo/index", func(ctx context.Context, _ string, params json.RawMessage, tok wirejson.CancelToken) (any, error) {
		var p indexParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &wirejson.ResponseError{Code: wirejson.CodeInvalidParams, Message: err.Error()}
		}

		// Report progress on a token this side mints. The peer may refuse
		// token creation, in which case the work runs silently.
		wd, wdErr := conn.CreateWorkDone(ctx)
		if wdErr == nil {
			if err := wd.Begin(ctx, "indexing", "scanning files"); err != nil {
				return nil, err
			}
			defer func() { _ = wd.End(ctx, "index complete") }()
		}

		for i := 1; i <= p.Files; i++ {
			select {
			case <-time.After(time.Duration(p.DelayMS) * time.Millisecond):
			case <-tok.Done():
				return nil, wirejson.ErrRequestCancelled
			}
			if wdErr == nil {
				pct := uint32(i * 100 / p.Files)
				if err := wd.Report(ctx, fmt.Sprintf("file %d of %d", i, p.Files), pct); err != nil {
					return nil, err
				}
			}
		}
		return map[string]int{"indexed": p.Files}, nil
	})

	conn.HandleRequest("demo/slow", func(_ context.Context, _ string, params json.RawMessage, tok wirejson.CancelToken) (any, error) {
		var p slowParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &wirejson.ResponseError{Code: wirejson.CodeInvalidParams, Message: err.Error()}
		}

		select {
		case <-time.After(time.Duration(p.Seconds) * time.Second):
			return map[string]string{"status": "completed"}, nil
		case <-tok.Done():
			return nil, wirejson.ErrRequestCancelled
		}
	})
}
