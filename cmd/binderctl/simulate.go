package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/binderkit/binder"
	"github.com/joshuapare/binderkit/internal/protocol"
	"github.com/joshuapare/binderkit/internal/stats"
)

var (
	simLoopers     int
	simClients     int
	simCalls       int
	simOnewayEvery int
	simPayload     int
	simMetricsAddr string
	simLinger      time.Duration
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().IntVar(&simLoopers, "loopers", 4, "Server looper threads")
	cmd.Flags().IntVar(&simClients, "clients", 8, "Client processes")
	cmd.Flags().IntVar(&simCalls, "calls", 1000, "Sync calls per client")
	cmd.Flags().IntVar(&simOnewayEvery, "oneway-every", 10, "Send a oneway transaction after every N calls (0 disables)")
	cmd.Flags().IntVar(&simPayload, "payload", 128, "Payload size in bytes")
	cmd.Flags().StringVar(&simMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default METRICS_ADDR)")
	cmd.Flags().DurationVar(&simLinger, "linger", 0, "Keep the metrics endpoint up this long after the run")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Run a load simulation between in-process clients and a server",
		Long: `The simulate command starts one server process with several looper
threads and a number of client processes. Every client sends sync calls that the
server echoes back, with an occasional oneway transaction mixed in. All traffic
goes through the BC_/BR_ command streams.

Example:
  binderctl simulate --clients 16 --calls 5000
  binderctl simulate --metrics-addr :9090 --linger 1m
  binderctl simulate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context())
		},
	}
}

type simOptions struct {
	Loopers     int
	Clients     int
	Calls       int
	OnewayEvery int
	Payload     int
}

func (o simOptions) validate() error {
	if o.Loopers <= 0 || o.Clients <= 0 || o.Calls < 0 || o.OnewayEvery < 0 || o.Payload < 0 {
		return errors.New("loopers and clients must be positive; calls, oneway-every and payload must not be negative")
	}
	return nil
}

type simReport struct {
	Duration  time.Duration     `json:"duration_ns"`
	Calls     int64             `json:"calls"`
	Oneway    int64             `json:"oneway"`
	PerSecond float64           `json:"calls_per_second"`
	Processes []binder.Info     `json:"processes"`
	Codes     map[string]uint64 `json:"codes"`
}

func runSimulate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := simOptions{
		Loopers:     simLoopers,
		Clients:     simClients,
		Calls:       simCalls,
		OnewayEvery: simOnewayEvery,
		Payload:     simPayload,
	}
	if err := opts.validate(); err != nil {
		return err
	}

	var ctxOpts []binder.Option
	ctxOpts = append(ctxOpts, binder.WithLogger(logger))

	addr := simMetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	var srv *http.Server
	if addr != "" {
		reg := prometheus.NewRegistry()
		ctxOpts = append(ctxOpts, binder.WithCollector(stats.NewCollector(reg)))
		srv = &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		printVerbose("Serving metrics on %s\n", addr)
	}

	bctx := binder.NewContext(cfg, ctxOpts...)
	report, err := simulate(ctx, bctx, opts)
	if err != nil {
		return err
	}

	if srv != nil {
		if simLinger > 0 {
			printInfo("Metrics stay available on %s for %s\n", addr, simLinger)
			select {
			case <-time.After(simLinger):
			case <-ctx.Done():
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	if jsonOut {
		return printJSON(report)
	}
	printSimReport(report)
	return nil
}

// simulate runs opts against a fresh server in bctx and returns what
// happened. All processes are released before it returns.
func simulate(ctx context.Context, bctx *binder.Context, opts simOptions) (*simReport, error) {
	server, err := bctx.NewProcess(1, 1000)
	if err != nil {
		return nil, err
	}
	defer server.Release()
	if _, err := server.Mmap(0); err != nil {
		return nil, err
	}
	node, err := server.NewNode(0x1000, 0xbeef, 0)
	if err != nil {
		return nil, err
	}

	// A failing looper cancels the clients too.
	servers, srvCtx := errgroup.WithContext(ctx)
	loopCtx, stopServers := context.WithCancel(srvCtx)
	defer stopServers()
	for i := range opts.Loopers {
		th, err := server.Thread(int32(i + 1))
		if err != nil {
			return nil, err
		}
		servers.Go(func() error { return echoLoop(loopCtx, th) })
	}

	var clients []*binder.Process
	defer func() {
		for _, p := range clients {
			p.Release()
		}
	}()
	for i := range opts.Clients {
		p, err := bctx.NewProcess(int32(100+i), 2000)
		if err != nil {
			return nil, err
		}
		clients = append(clients, p)
		if _, err := p.Mmap(0); err != nil {
			return nil, err
		}
	}

	var calls, oneway atomic.Int64
	start := time.Now()
	g, gctx := errgroup.WithContext(srvCtx)
	for i, p := range clients {
		handle := p.InsertRef(node)
		th, err := p.Thread(1)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			payload := bytes.Repeat([]byte{byte(i)}, opts.Payload)
			for j := range opts.Calls {
				if err := echoCall(gctx, th, handle, payload); err != nil {
					return fmt.Errorf("client %d call %d: %w", p.PID(), j, err)
				}
				calls.Add(1)
				if opts.OnewayEvery > 0 && (j+1)%opts.OnewayEvery == 0 {
					if err := sendOneway(th, handle, payload); err != nil {
						return fmt.Errorf("client %d oneway: %w", p.PID(), err)
					}
					oneway.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		stopServers()
		if serr := servers.Wait(); serr != nil {
			return nil, serr
		}
		return nil, err
	}
	if err := waitDrained(srvCtx, server); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	stopServers()
	if err := servers.Wait(); err != nil {
		return nil, err
	}

	report := &simReport{
		Duration: elapsed,
		Calls:    calls.Load(),
		Oneway:   oneway.Load(),
		Codes:    map[string]uint64{},
	}
	if s := elapsed.Seconds(); s > 0 {
		report.PerSecond = float64(report.Calls) / s
	}
	for _, p := range append([]*binder.Process{server}, clients...) {
		report.Processes = append(report.Processes, p.Info())
		for code, n := range p.Stats() {
			report.Codes[code] += n
		}
	}
	return report, nil
}

// echoLoop serves transactions on th until ctx is done, answering each sync
// transaction with its own payload.
func echoLoop(ctx context.Context, th *binder.Thread) error {
	var enter protocol.CommandBuffer
	if _, err := th.Write(enter.Code(protocol.BCEnterLooper).Bytes(), nil); err != nil {
		return err
	}
	rb := make([]byte, 1024)
	for ctx.Err() == nil {
		n, err := th.Read(rb)
		if err != nil {
			return err
		}
		if n == 0 {
			waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			_ = th.Wait(waitCtx)
			cancel()
			continue
		}
		events, err := protocol.DecodeReturns(rb[:n])
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Code != protocol.BRTransaction {
				continue
			}
			var cb protocol.CommandBuffer
			var mem io.ReaderAt
			if ev.Txn.Flags&protocol.TFOneWay == 0 {
				data, err := th.Process().ReadBuffer(ev.Txn.Buffer, int(ev.Txn.DataSize))
				if err != nil {
					return err
				}
				mem = bytes.NewReader(data)
				cb.Transaction(protocol.BCReply, protocol.TransactionData{
					Code:     ev.Txn.Code,
					DataSize: uint64(len(data)),
				})
			}
			cb.FreeBuffer(ev.Txn.Buffer)
			if _, err := th.Write(cb.Bytes(), mem); err != nil {
				return err
			}
		}
	}
	var exit protocol.CommandBuffer
	_, err := th.Write(exit.Code(protocol.BCExitLooper).Bytes(), nil)
	return err
}

// echoCall sends payload as a sync transaction and checks the echoed reply.
func echoCall(ctx context.Context, th *binder.Thread, handle uint32, payload []byte) error {
	var cb protocol.CommandBuffer
	cb.Transaction(protocol.BCTransaction, protocol.TransactionData{
		Target:   uint64(handle),
		Code:     1,
		DataSize: uint64(len(payload)),
	})
	if _, err := th.Write(cb.Bytes(), bytes.NewReader(payload)); err != nil {
		return err
	}

	rb := make([]byte, 1024)
	for {
		n, err := th.Read(rb)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := th.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		events, err := protocol.DecodeReturns(rb[:n])
		if err != nil {
			return err
		}
		for _, ev := range events {
			switch ev.Code {
			case protocol.BRReply:
				got, err := th.Process().ReadBuffer(ev.Txn.Buffer, int(ev.Txn.DataSize))
				if err != nil {
					return err
				}
				var free protocol.CommandBuffer
				if _, err := th.Write(free.FreeBuffer(ev.Txn.Buffer).Bytes(), nil); err != nil {
					return err
				}
				if !bytes.Equal(got, payload) {
					return fmt.Errorf("reply of %d bytes does not match the request", len(got))
				}
				return nil
			case protocol.BRDeadReply, protocol.BRFailedReply, protocol.BRFrozenReply:
				return fmt.Errorf("transaction failed: %v", ev.Code)
			}
		}
	}
}

func sendOneway(th *binder.Thread, handle uint32, payload []byte) error {
	err := th.Transaction(&binder.Request{Handle: handle, Code: 2, Flags: protocol.TFOneWay, Data: payload})
	// The completion is read together with the next reply.
	if binder.IsFrozen(err) {
		return nil
	}
	return err
}

// waitDrained waits until the server holds no buffers and nothing is in
// flight.
func waitDrained(ctx context.Context, p *binder.Process) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		info := p.Info()
		if info.Buffers == 0 && info.Outstanding == 0 && info.QueuedWork == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func printSimReport(r *simReport) {
	printHeader("Simulation")
	printInfo("  Duration:   %s\n", r.Duration.Round(time.Millisecond))
	printInfo("  Sync calls: %d\n", r.Calls)
	printInfo("  Oneway:     %d\n", r.Oneway)
	printInfo("  Throughput: %.0f calls/s\n", r.PerSecond)
	printInfo("\n")

	printHeader("Processes")
	rows := make([][]string, 0, len(r.Processes))
	for _, info := range r.Processes {
		rows = append(rows, []string{
			strconv.Itoa(int(info.PID)),
			strconv.Itoa(info.Threads),
			strconv.Itoa(info.Buffers),
			printer.Sprintf("%d", info.OnewayFree),
		})
	}
	printInfo("%s\n", table([]string{"PID", "THREADS", "BUFFERS", "ONEWAY FREE"}, rows))

	if verbose {
		printHeader("Codes")
		codeRows := make([][]string, 0, len(r.Codes))
		for _, code := range slices.Sorted(maps.Keys(r.Codes)) {
			codeRows = append(codeRows, []string{code, printer.Sprintf("%d", r.Codes[code])})
		}
		printInfo("%s", table([]string{"CODE", "COUNT"}, codeRows))
	}
}
