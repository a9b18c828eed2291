package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strand-protocol/rtkit/pkg/coproc"
	"github.com/strand-protocol/rtkit/pkg/mailbox"
	"github.com/strand-protocol/rtkit/pkg/protocol"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

var (
	simEndpoints   []uint
	simRunning     bool
	simEcho        bool
	simLogInterval time.Duration
	simOnce        bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated coprocessor on the configured transport",
	Long: `Listen on the configured transport address and play the coprocessor side
of the RTKit protocol for each host that connects, one at a time. Host and
simulator share memory through arena.path; without it buffers exist only on
the host side.

With --log-interval the simulator writes a heartbeat into the syslog ring at
that period once booted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		owner, err := shmem.ParseOwner(cfg.Owner)
		if err != nil {
			return err
		}
		arena, err := openArena(cfg.Arena)
		if err != nil {
			return err
		}
		defer arena.Close()

		l, err := mailbox.Listen(cfg.Transport.Network, cfg.Transport.Address)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "simulating %s (%s-owned buffers) on %s %s\n",
			cfg.Name, owner, cfg.Transport.Network, l.Addr())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			<-gctx.Done()
			return l.Close()
		})
		g.Go(func() error {
			for {
				conn, err := l.Accept()
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("accept: %w", err)
				}
				logger.Info("host connected", zap.Stringer("remote", conn.RemoteAddr()))
				if err := serveHost(gctx, conn, arena, owner); err != nil {
					logger.Warn("host session ended", zap.Error(err))
				}
				// Each host gets fresh memory.
				clear(arenaBytes(arena))
				if simOnce {
					cancel()
					return nil
				}
			}
		})
		err = g.Wait()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	},
}

// arenaBytes returns the whole arena window.
func arenaBytes(a *shmem.Arena) []byte {
	r, err := a.Region(a.Base(), a.Size())
	if err != nil {
		return nil
	}
	return r.Bytes()
}

// emulatorOptions builds the simulated firmware from flags and config.
func emulatorOptions(owner shmem.Owner) []coproc.Option {
	eps := make([]uint8, 0, len(simEndpoints))
	for _, ep := range simEndpoints {
		eps = append(eps, uint8(ep))
	}
	opts := []coproc.Option{
		coproc.WithLogger(logger),
		coproc.WithVersions(cfg.Versions.Min, cfg.Versions.Max),
		coproc.WithOwner(owner),
		coproc.WithRunning(simRunning),
		coproc.WithEcho(simEcho),
	}
	if len(eps) > 0 {
		opts = append(opts, coproc.WithEndpoints(eps...))
	}
	return opts
}

// serveHost runs one emulator over conn until either side hangs up.
func serveHost(ctx context.Context, conn net.Conn, arena *shmem.Arena, owner shmem.Owner) error {
	ready := make(chan struct{})
	var emu *coproc.Emulator
	tr := mailbox.NewStream(conn,
		mailbox.WithStreamLogger(logger.Named("mailbox")),
		mailbox.WithControlHandler(func(reg uint32) {
			<-ready
			if reg&protocol.CPUControlRun != 0 {
				_ = emu.Start()
			}
		}))
	defer tr.Close()

	opts := append(emulatorOptions(owner), coproc.WithStatusReporter(tr.ReportCPU))
	emu = coproc.New(tr, arena, opts...)
	close(ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return emu.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-tr.Done():
			return errHostGone
		}
	})
	if simLogInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(simLogInterval)
			defer t.Stop()
			for n := 1; ; {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if !emu.Booted() {
						continue
					}
					if err := emu.Log(gctx, "sim", fmt.Sprintf("heartbeat %d", n)); err != nil {
						logger.Debug("heartbeat skipped", zap.Error(err))
						continue
					}
					n++
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, errHostGone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errHostGone = errors.New("host disconnected")

func init() {
	simulateCmd.Flags().UintSliceVar(&simEndpoints, "endpoints", nil, "advertised endpoints (default 0,1,2,3,4,0x20)")
	simulateCmd.Flags().BoolVar(&simRunning, "running", false, "start with the CPU already running so the host sends a wakeup")
	simulateCmd.Flags().BoolVar(&simEcho, "echo", true, "echo application endpoint messages")
	simulateCmd.Flags().DurationVar(&simLogInterval, "log-interval", 0, "write a syslog heartbeat at this period")
	simulateCmd.Flags().BoolVar(&simOnce, "once", false, "exit after the first host disconnects")
	rootCmd.AddCommand(simulateCmd)
}
