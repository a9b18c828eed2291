package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strand-protocol/rtkit/pkg/logsink"
	"github.com/strand-protocol/rtkit/pkg/model"
	"github.com/strand-protocol/rtkit/pkg/output"
	"github.com/strand-protocol/rtkit/pkg/store"
)

const (
	syslogQueueDepth = 256
	memorySinkSize   = 1024
)

var (
	bootFollow      bool
	bootMetricsAddr string
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot a coprocessor and print its session",
	Long: `Connect to the configured mailbox transport, run the RTKit handshake and
print the resulting session. Decoded syslog lines are archived to PostgreSQL
when postgres.dsn is set. With etcd endpoints configured the session snapshot
is published under /rtkit/v1/sessions/<name>.

With --follow the command stays attached: syslog lines are printed as they
arrive, the snapshot is republished before its lease expires and
--metrics-addr serves Prometheus metrics, until interrupted or the
coprocessor disconnects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := &lockedWriter{w: cmd.OutOrStdout()}

		sink, err := openSink(ctx)
		if err != nil {
			return err
		}
		async := logsink.NewAsync(sink, syslogQueueDepth, logger)
		onSyslog := func(e model.SyslogEntry) {
			async.Handle(e)
			if bootFollow {
				fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(time.TimeOnly), e.Context, e.Message)
			}
		}

		s, err := openSession(ctx, onSyslog)
		if err != nil {
			_ = async.Close()
			return err
		}
		// The core must stop before the sink it feeds.
		defer func() {
			_ = s.Close()
			if err := async.Close(); err != nil {
				logger.Warn("closing syslog sink", zap.Error(err))
			}
		}()

		if err := s.boot(ctx); err != nil {
			return err
		}
		snap := s.core.Snapshot()
		printSession(out, snap)

		var pub *publisher
		if len(cfg.Etcd.Endpoints) > 0 {
			pub, err = newPublisher()
			if err != nil {
				return err
			}
			defer pub.Close()
			if err := pub.put(ctx, snap); err != nil {
				return err
			}
		}

		if !bootFollow {
			return nil
		}
		err = follow(ctx, s, pub)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// openSink returns the PostgreSQL archive when configured and an in-memory
// ring otherwise.
func openSink(ctx context.Context) (logsink.Sink, error) {
	if cfg.Postgres.DSN == "" {
		return logsink.NewMemorySink(memorySinkSize), nil
	}
	sink, err := logsink.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.Table)
	if err != nil {
		return nil, fmt.Errorf("syslog archive: %w", err)
	}
	return sink, nil
}

// printSession writes the snapshot. Table output gets separate endpoint and
// buffer tables since the summary omits nested fields.
func printSession(out *lockedWriter, snap model.Session) {
	fmt.Fprint(out, formatter.Format(snap))
	if _, ok := formatter.(output.TableFormatter); !ok {
		return
	}
	if len(snap.Endpoints) > 0 {
		fmt.Fprintln(out)
		fmt.Fprint(out, formatter.Format(snap.Endpoints))
	}
	if len(snap.Buffers) > 0 {
		fmt.Fprintln(out)
		fmt.Fprint(out, formatter.Format(snap.Buffers))
	}
}

// follow blocks until ctx is done or the transport drops.
func follow(ctx context.Context, s *session, pub *publisher) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-s.tr.Done():
			return fmt.Errorf("coprocessor disconnected: %w", s.tr.Err())
		}
	})

	if bootMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.PrometheusHandler())
		srv := &http.Server{Addr: bootMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", bootMetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if pub != nil {
		g.Go(func() error {
			t := time.NewTicker(pub.interval())
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if err := pub.put(gctx, s.core.Snapshot()); err != nil {
						logger.Warn("republishing session", zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// publisher keeps the session snapshot in etcd.
type publisher struct {
	st   *store.EtcdStore
	ttl  time.Duration
	name string
}

func newPublisher() (*publisher, error) {
	st, err := store.NewEtcdStore(cfg.Etcd.Endpoints,
		store.WithEtcdLogger(logger),
		store.WithLeaseTTL(cfg.Etcd.LeaseTTL))
	if err != nil {
		return nil, err
	}
	return &publisher{st: st, ttl: cfg.Etcd.LeaseTTL, name: cfg.Name}, nil
}

func (p *publisher) put(ctx context.Context, snap model.Session) error {
	if err := p.st.Put(ctx, &snap); err != nil {
		return fmt.Errorf("publish session %s: %w", snap.Name, err)
	}
	return nil
}

// interval refreshes the snapshot three times per lease.
func (p *publisher) interval() time.Duration {
	if p.ttl <= 0 {
		return 10 * time.Second
	}
	return max(p.ttl/3, time.Second)
}

// Close withdraws the snapshot and closes the client.
func (p *publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.st.Delete(ctx, p.name); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("withdrawing session", zap.Error(err))
	}
	_ = p.st.Close()
}

func init() {
	bootCmd.Flags().BoolVarP(&bootFollow, "follow", "f", false, "stay attached and stream syslog lines")
	bootCmd.Flags().StringVar(&bootMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while following")
	rootCmd.AddCommand(bootCmd)
}
