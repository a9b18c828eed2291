package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/config"
	"github.com/strand-protocol/rtkit/pkg/mailbox"
	"github.com/strand-protocol/rtkit/pkg/model"
	"github.com/strand-protocol/rtkit/pkg/observability"
	"github.com/strand-protocol/rtkit/pkg/rtkit"
	"github.com/strand-protocol/rtkit/pkg/sart"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

// session is one connected host core and the resources behind it.
type session struct {
	core    *rtkit.Core
	tr      *mailbox.StreamTransport
	arena   *shmem.Arena
	metrics *observability.Metrics
}

// openArena maps the configured shared memory window. Without a path the
// window lives in process memory.
func openArena(c config.ArenaConfig) (*shmem.Arena, error) {
	if c.Path == "" {
		return shmem.NewArena(c.Base, c.Size), nil
	}
	return shmem.MapFile(c.Path, c.Base, c.Size)
}

// buildFilter loads the configured SART entries. With none configured the
// whole arena is allowed.
func buildFilter(regions []config.Region, arena *shmem.Arena, l *zap.Logger) (*sart.Filter, error) {
	opts := []sart.Option{sart.WithLogger(l)}
	for _, r := range regions {
		if r.Protected {
			opts = append(opts, sart.WithProtected(r.Addr, r.Size))
		}
	}
	f := sart.New(opts...)
	for _, r := range regions {
		if r.Protected {
			continue
		}
		if err := f.AddAllowedRegion(r.Addr, r.Size); err != nil {
			return nil, fmt.Errorf("sart entry 0x%x+0x%x: %w", r.Addr, r.Size, err)
		}
	}
	if len(regions) == 0 && arena != nil {
		if err := f.AddAllowedRegion(arena.Base(), arena.Size()); err != nil {
			return nil, fmt.Errorf("sart arena entry: %w", err)
		}
	}
	return f, nil
}

// openSession dials the configured transport and creates a core. The core is
// not booted.
func openSession(ctx context.Context, onSyslog func(model.SyslogEntry)) (*session, error) {
	owner, err := shmem.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, err
	}
	arena, err := openArena(cfg.Arena)
	if err != nil {
		return nil, err
	}
	tr, err := mailbox.Dial(ctx, cfg.Transport.Network, cfg.Transport.Address,
		mailbox.WithStreamLogger(logger.Named("mailbox")))
	if err != nil {
		_ = arena.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	opts := []rtkit.Option{
		rtkit.WithName(cfg.Name),
		rtkit.WithLogger(logger),
		rtkit.WithMetrics(metrics),
		rtkit.WithVersionRange(cfg.Versions.Min, cfg.Versions.Max),
	}
	if onSyslog != nil {
		opts = append(opts, rtkit.WithSyslogHandler(onSyslog))
	}
	switch owner {
	case shmem.OwnerHost:
		opts = append(opts, rtkit.WithAllocator(shmem.NewAllocator(arena)))
	case shmem.OwnerCoprocessor:
		filter, err := buildFilter(cfg.SART, arena, logger)
		if err != nil {
			_ = tr.Close()
			_ = arena.Close()
			return nil, err
		}
		opts = append(opts, rtkit.WithVerifier(filter), rtkit.WithMapper(rtkit.ArenaMapper(arena)))
	}

	core, err := rtkit.New(tr, owner, opts...)
	if err != nil {
		_ = tr.Close()
		_ = arena.Close()
		return nil, err
	}
	return &session{core: core, tr: tr, arena: arena, metrics: metrics}, nil
}

// boot runs the handshake with the configured timeout.
func (s *session) boot(ctx context.Context) error {
	if err := s.core.BootWait(ctx, cfg.BootTimeout); err != nil {
		return fmt.Errorf("boot %s: %w", cfg.Name, err)
	}
	return nil
}

// Close shuts the core down, which also closes the transport, then unmaps
// the arena.
func (s *session) Close() error {
	err := s.core.Close()
	if aerr := s.arena.Close(); err == nil {
		err = aerr
	}
	return err
}

// lockedWriter serialises writes from the core's worker and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
