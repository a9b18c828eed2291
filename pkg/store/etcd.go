package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/model"
)

// All RTKit keys live under /rtkit/v1/ to avoid collisions with other etcd
// tenants.
const (
	keyPrefix       = "/rtkit/v1"
	defaultLeaseTTL = 30 * time.Second
	dialTimeout     = 5 * time.Second
)

func sessionKey(name string) string {
	return fmt.Sprintf("%s/sessions/%s", keyPrefix, name)
}

func sessionPrefix() string {
	return keyPrefix + "/sessions/"
}

// EtcdOption configures an EtcdStore.
type EtcdOption func(*etcdConfig)

type etcdConfig struct {
	logger   *zap.Logger
	leaseTTL time.Duration
}

// WithEtcdLogger sets the logger used by the store and the etcd client.
func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(c *etcdConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLeaseTTL attaches every Put to a lease of ttl so snapshots of a
// process that stopped publishing expire. Zero disables leases.
func WithLeaseTTL(ttl time.Duration) EtcdOption {
	return func(c *etcdConfig) {
		c.leaseTTL = ttl
	}
}

// EtcdStore is an etcd-backed SessionStore. Snapshots are stored as JSON.
type EtcdStore struct {
	client   *clientv3.Client
	logger   *zap.Logger
	leaseTTL time.Duration
}

// NewEtcdStore dials the etcd cluster at endpoints. The caller must call
// Close when finished.
func NewEtcdStore(endpoints []string, opts ...EtcdOption) (*EtcdStore, error) {
	cfg := etcdConfig{logger: zap.NewNop(), leaseTTL: defaultLeaseTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      cfg.logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdStore{
		client:   client,
		logger:   cfg.logger.Named("store"),
		leaseTTL: cfg.leaseTTL,
	}, nil
}

// List returns every session ordered by name.
func (s *EtcdStore) List(ctx context.Context) ([]model.Session, error) {
	resp, err := s.client.Get(ctx, sessionPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", sessionPrefix(), err)
	}
	out := make([]model.Session, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var sess model.Session
		if err := json.Unmarshal(kv.Value, &sess); err != nil {
			s.logger.Warn("skipping undecodable session", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the session stored under name.
func (s *EtcdStore) Get(ctx context.Context, name string) (*model.Session, error) {
	k := sessionKey(name)
	resp, err := s.client.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	var sess model.Session
	if err := json.Unmarshal(resp.Kvs[0].Value, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal %q: %w", k, err)
	}
	return &sess, nil
}

// Put writes sess, attached to a fresh lease when a TTL is configured.
func (s *EtcdStore) Put(ctx context.Context, sess *model.Session) error {
	if err := validName(sess.Name); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	k := sessionKey(sess.Name)

	var opts []clientv3.OpOption
	if s.leaseTTL > 0 {
		lease, err := s.client.Grant(ctx, int64(s.leaseTTL/time.Second))
		if err != nil {
			return fmt.Errorf("etcd grant lease: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	if _, err := s.client.Put(ctx, k, string(data), opts...); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}
	s.logger.Debug("session published", zap.String("session", sess.Name), zap.String("state", sess.State))
	return nil
}

// Delete removes the session stored under name.
func (s *EtcdStore) Delete(ctx context.Context, name string) error {
	k := sessionKey(name)
	resp, err := s.client.Delete(ctx, k)
	if err != nil {
		return fmt.Errorf("etcd delete %q: %w", k, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// Watch calls fn with the current list each time any session changes, until
// ctx is done.
func (s *EtcdStore) Watch(ctx context.Context, fn func([]model.Session)) error {
	wch := s.client.Watch(ctx, sessionPrefix(), clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("etcd watch: %w", err)
		}
		list, err := s.List(ctx)
		if err != nil {
			return err
		}
		fn(list)
	}
	return ctx.Err()
}

// Close releases the underlying etcd client connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
