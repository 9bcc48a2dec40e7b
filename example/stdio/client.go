package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/halteske/wirejson"
)

// procStream joins a child process's stdout and stdin pipes into one
// io.ReadWriteCloser so the header codec can frame messages over them.
type procStream struct {
	io.ReadCloser
	io.WriteCloser
}

func (p procStream) Close() error {
	werr := p.WriteCloser.Close()
	rerr := p.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func spawnServer(ctx context.Context, cfg config) (*wirejson.HeaderStream, *exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe)
	cmd.Env = append(os.Environ(),
		"DEMO_ROLE=server",
		"DEMO_CANCELLATION="+cfg.Cancellation,
		"DEMO_CANCEL_FOLDER="+cfg.CancelFolder,
		"DEMO_TRACE="+cfg.Trace,
		"DEMO_LOG_LEVEL="+cfg.LogLevel,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start server process: %w", err)
	}

	return wirejson.NewHeaderStream(procStream{ReadCloser: stdout, WriteCloser: stdin}), cmd, nil
}

func runClient(ctx context.Context, cfg config) error {
	if cfg.Cancellation == "file" && cfg.CancelFolder == "" {
		folder, err := wirejson.NewCancellationFolder()
		if err != nil {
			return err
		}
		defer os.RemoveAll(folder)
		cfg.CancelFolder = folder
	}
	strategy, err := cancellation(cfg)
	if err != nil {
		return err
	}

	stream, cmd, err := spawnServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cmd.Wait() }()

	conn := wirejson.NewConn(stream,
		wirejson.WithLogger(newLogger(cfg)),
		wirejson.WithCancellation(strategy),
		wirejson.WithTraceLevel(wirejson.ParseTraceLevel(cfg.Trace)),
		wirejson.WithWorkDoneHandler(func(tok wirejson.ProgressToken, v wirejson.WorkDoneValue) {
			switch v.Kind {
			case wirejson.WorkDoneBegin:
				fmt.Printf("  [%s] begin: %s, %s\n", tok, v.Title, v.Message)
			case wirejson.WorkDoneReport:
				fmt.Printf("  [%s] %3d%% %s\n", tok, v.Percentage, v.Message)
			case wirejson.WorkDoneEnd:
				fmt.Printf("  [%s] end: %s\n", tok, v.Message)
			}
		}),
	)
	go func() { _ = conn.Listen(ctx) }()
	defer conn.Close()

	fmt.Printf("cancellation strategy: %s\n", cfg.Cancellation)
	for _, demo := range []func(context.Context, *wirejson.Conn) error{
		demoAdd,
		demoCountdown,
		demoIndex,
		demoCancel,
	} {
		if err := demo(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func demoAdd(ctx context.Context, conn *wirejson.Conn) error {
	var res addResult
	if err := conn.Call(ctx, "demo/add", addParams{A: 19, B: 23}, &res); err != nil {
		return fmt.Errorf("add call failed: %w", err)
	}
	fmt.Printf("demo/add: 19 + 23 = %d\n", res.Sum)
	return nil
}

func demoCountdown(ctx context.Context, conn *wirejson.Conn) error {
	fmt.Println("demo/countdown: streaming partial results")

	var res map[string]string
	err := conn.Call(ctx, "demo/countdown", countdownParams{Count: 5}, &res,
		wirejson.WithPartialResults(func(chunk json.RawMessage) {
			var step string
			if err := json.Unmarshal(chunk, &step); err == nil {
				fmt.Printf("  %s...\n", step)
			}
		}))
	if err != nil {
		return fmt.Errorf("countdown call failed: %w", err)
	}
	fmt.Printf("  %s\n", res["status"])
	return nil
}

func demoIndex(ctx context.Context, conn *wirejson.Conn) error {
	fmt.Println("demo/index: server reports progress on a token it creates")

	var res map[string]int
	if err := conn.Call(ctx, "demo/index", indexParams{Files: 4, DelayMS: 50}, &res); err != nil {
		return fmt.Errorf("index call failed: %w", err)
	}
	fmt.Printf("  indexed %d files\n", res["indexed"])
	return nil
}

func demoCancel(ctx context.Context, conn *wirejson.Conn) error {
	fmt.Println("demo/slow: abandoning the call after 200ms")

	callCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	var res map[string]string
	err := conn.Call(callCtx, "demo/slow", slowParams{Seconds: 10}, &res)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Println("  call abandoned, server asked to stop")
	case wirejson.IsRequestCancelled(err):
		fmt.Println("  server confirmed the cancellation")
	case err != nil:
		return fmt.Errorf("slow call failed: %w", err)
	default:
		fmt.Println("  call finished before the deadline")
	}
	return nil
}
