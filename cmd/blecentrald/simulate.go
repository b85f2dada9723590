package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/blecentral/internal/central"
	"github.com/signalsfoundry/blecentral/internal/config"
	"github.com/signalsfoundry/blecentral/internal/dispatch"
	"github.com/signalsfoundry/blecentral/internal/logging"
	"github.com/signalsfoundry/blecentral/internal/notify"
	"github.com/signalsfoundry/blecentral/internal/sbi/simulated"
	"github.com/signalsfoundry/blecentral/model"
	"github.com/signalsfoundry/blecentral/timectrl"
)

type simulateOptions struct {
	tick     time.Duration
	speedup  int
	duration time.Duration
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Replay a scenario against the engine in accelerated time",
		Long: `simulate runs the scenario's timeline against a simulated transport and
prints every state transition, read and notification with its offset in
simulated time, followed by the final state of each peripheral.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(func(c *config.Config) {
				c.Transport.Kind = config.TransportSimulated
				c.Transport.Scenario = args[0]
			})
			if err != nil {
				return err
			}
			s, err := simulated.LoadScenario(args[0])
			if err != nil {
				return err
			}
			if opts.tick <= 0 {
				opts.tick = cfg.Transport.Clock.Tick
			}
			if opts.speedup <= 0 {
				opts.speedup = cfg.Transport.Clock.Speedup
			}
			return replay(cmd.Context(), cfg, s, opts, newLogger(cmd, cfg), cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&opts.tick, "tick", 0, "simulated time advanced per step (default transport.clock.tick)")
	cmd.Flags().IntVar(&opts.speedup, "speedup", 0, "simulated seconds per wall-clock second (default transport.clock.speedup)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "simulated run time (default the scenario duration)")
	return cmd
}

// replayEpoch anchors simulated time so transcripts are reproducible.
var replayEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func replay(ctx context.Context, cfg *config.Config, s *simulated.Scenario, opts *simulateOptions, log logging.Logger, out io.Writer) error {
	duration := opts.duration
	if duration <= 0 {
		duration = s.Duration
	}
	if duration <= 0 {
		return fmt.Errorf("scenario %q has no duration and no timeline", s.Name)
	}

	tc := timectrl.NewTimeController(replayEpoch, opts.tick, timectrl.Accelerated)
	tc.Speedup = opts.speedup
	loop := dispatch.NewLoop(tc, dispatch.WithLogger(log))
	tr := simulated.New(s, loop, simulated.WithLogger(log))

	p := &printer{w: out, start: replayEpoch}
	fanout := notify.NewFanout(notify.WithBuffer(cfg.Engine.NotifyBuffer), notify.WithLogger(log))
	unsubscribe := fanout.Subscribe(p)

	engineOpts, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	engine := central.New(tr, append(engineOpts,
		central.WithDispatcher(loop),
		central.WithLogger(log),
		central.WithListener(fanout),
	)...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop.Start(ctx)
	engine.Start(ctx)

	for _, ps := range s.Peripherals {
		role, err := model.ParseRole(ps.Role)
		if err != nil {
			return err
		}
		if err := engine.Register(ctx, model.PeripheralID(ps.Address), central.RegisterOptions{Role: &role}); err != nil {
			return err
		}
	}

	if name := s.Name; name != "" {
		p.printf("scenario %s: %d peripherals, %s simulated\n", name, len(s.Peripherals), duration)
	}
	finished := tc.Start(ctx, duration)
	runCtx, stopRun := context.WithCancel(ctx)
	go func() {
		<-finished
		stopRun()
	}()

	for _, a := range s.Timeline {
		if !waitUntil(runCtx, tc, replayEpoch.Add(a.At)) {
			break
		}
		perform(runCtx, engine, a, p)
	}
	<-finished
	stopRun()

	snaps, snapErr := engine.Snapshots(ctx)
	engine.Stop()
	if err := loop.Call(ctx, func() {}); err != nil {
		log.Warn(ctx, "dispatcher drain", logging.Err(err))
	}
	_ = tr.Close()
	unsubscribe()
	fanout.Close()
	loop.Stop()
	if snapErr != nil {
		return snapErr
	}

	p.printf("--- after %s\n", duration)
	for _, snap := range snaps {
		p.printf("%s  %-24s failures=%d last=%s\n", snap.Peripheral, snap.State, snap.ConnectFailures, snap.LastStatus)
	}
	st := tr.Stats()
	p.printf("transport: %d connect attempts, %d connections, %d drops, %d operations\n",
		st.ConnectAttempts, st.Connections, st.Drops, st.Operations)
	return nil
}

// waitUntil blocks until simulated time reaches at.
func waitUntil(ctx context.Context, tc *timectrl.TimeController, at time.Time) bool {
	d := at.Sub(tc.Now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-tc.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func perform(ctx context.Context, engine *central.Engine, a simulated.Action, p *printer) {
	id := model.PeripheralID(a.Address)
	var err error
	switch a.Do {
	case simulated.DoConnect:
		err = engine.Connect(ctx, id, central.ConnectOptions{})
	case simulated.DoDisconnect:
		err = engine.Disconnect(ctx, id)
	case simulated.DoRelease:
		err = engine.Release(ctx, id)
	case simulated.DoRead:
		var v []byte
		if v, err = engine.Read(ctx, id, "", a.Characteristic); err == nil {
			p.event(time.Time{}, "%s read %s = %s", id, a.Characteristic, hex.EncodeToString(v))
		}
	case simulated.DoWrite:
		v, _ := hex.DecodeString(a.Value)
		err = engine.Write(ctx, id, "", a.Characteristic, v, true)
	case simulated.DoSubscribe:
		err = engine.Subscribe(ctx, id, "", a.Characteristic)
	}
	if err != nil {
		p.event(time.Time{}, "%s %s failed: %v", id, a.Do, err)
	}
}

// printer serializes transcript lines from the fanout goroutine and the
// timeline driver.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	start time.Time
	last  time.Time
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// event prints a line stamped with at, or with the latest stamp seen when
// at is zero.
func (p *printer) event(at time.Time, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.IsZero() {
		at = p.last
	} else {
		p.last = at
	}
	offset := at.Sub(p.start)
	if offset < 0 {
		offset = 0
	}
	fmt.Fprintf(p.w, "[+%8.3fs] %s\n", offset.Seconds(), fmt.Sprintf(format, args...))
}

func (p *printer) OnStateChange(c central.StateChange) {
	line := fmt.Sprintf("%s %s -> %s (%s)", c.Peripheral, c.Old, c.New, c.Reason)
	if c.Failure != nil {
		line += fmt.Sprintf(" gave up: %s after %d failures", c.Failure.Kind, c.Failure.FailureCount)
	}
	p.event(c.At, "%s", line)
}

func (p *printer) OnValue(v central.Value) {
	p.event(v.At, "%s notify %s = %s", v.Peripheral, v.Characteristic, hex.EncodeToString(v.Data))
}
