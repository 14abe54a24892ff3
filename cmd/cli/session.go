package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/fanrelay/internal/claim"
	"github.com/and161185/fanrelay/internal/client/app"
	"github.com/and161185/fanrelay/internal/client/binding"
	"github.com/and161185/fanrelay/internal/client/clientdb"
	"github.com/and161185/fanrelay/internal/client/conn"
	"github.com/and161185/fanrelay/internal/client/errpub"
	"github.com/and161185/fanrelay/internal/client/identity"
	"github.com/and161185/fanrelay/internal/client/queue"
	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/config"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/model"
)

// errStopped means the connection gave up; the reason is in the published errors.
var errStopped = errors.New("connection to the home server stopped, see `fanrelay errors`")

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// session is the opened client state of one command.
type session struct {
	cfg      *config.Client
	log      *zap.Logger
	clk      clock.Clock
	db       *sqlx.DB
	vault    *identity.Vault
	id       *identity.Identity
	bindings *binding.Store
	errors   *errpub.Publisher
	queue    *queue.Queue
	replicas *app.ReplicaStore
	app      *app.App
	cc       *grpc.ClientConn
}

// openSession opens the database and the identity. Only signup may create
// a missing identity.
func openSession(ctx context.Context, cfg *config.Client, log *zap.Logger, create bool) (*session, error) {
	if err := os.MkdirAll(cfg.Data.Dir, 0o700); err != nil {
		return nil, err
	}
	vault, err := identity.OpenVault(identity.VaultConfig{
		Backend:    cfg.Keyring.Backend,
		Dir:        cfg.Data.Dir,
		Passphrase: cfg.Keyring.Passphrase,
	})
	if err != nil {
		return nil, err
	}
	var id *identity.Identity
	if create {
		id, _, err = vault.LoadOrCreate()
	} else {
		id, err = vault.Load()
		if errors.Is(err, identity.ErrNoIdentity) {
			err = errors.New("no identity yet: run `fanrelay signup` first")
		}
	}
	if err != nil {
		return nil, err
	}

	db, err := clientdb.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: log, clk: clock.Real(), db: db, vault: vault, id: id}
	if err := s.wire(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) wire(ctx context.Context) error {
	q, err := queue.Open(ctx, s.db, s.log)
	if err != nil {
		return err
	}
	s.queue = q
	s.bindings = binding.New(s.db)
	s.errors = errpub.New(s.db, s.clk, s.log)
	s.replicas = app.NewReplicaStore(s.db)
	s.app = app.New(s.id, s.bindings, q, s.replicas, s.cfg.Home.URL, s.log)
	return nil
}

// Close releases the connection and the database. It is safe to call twice.
func (s *session) Close() {
	if s.cc != nil {
		_ = s.cc.Close()
		s.cc = nil
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	_ = s.log.Sync()
}

func dialOptions(plaintext bool) []grpc.DialOption {
	if plaintext {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))}
}

// transport connects to addr on first use.
func (s *session) transport(addr string) (*conn.GRPC, error) {
	if s.cc == nil {
		cc, err := grpc.NewClient(addr, dialOptions(s.cfg.Insecure)...)
		if err != nil {
			return nil, err
		}
		s.cc = cc
	}
	return conn.NewGRPC(s.cc), nil
}

// signup registers the identity with the configured home server and binds
// to it. fresh replaces the stored identity first.
func (s *session) signup(ctx context.Context, fresh bool) (model.SignupStatus, error) {
	serverKey, err := s.cfg.HomeServerKey()
	if err != nil {
		return "", fmt.Errorf("home.server_key: %w", err)
	}
	if serverKey.IsZero() {
		return "", errors.New("the home server key is unknown: pass --server-key")
	}
	if fresh {
		id, err := identity.Generate()
		if err != nil {
			return "", err
		}
		if err := s.vault.Save(id); err != nil {
			return "", err
		}
		s.id = id
		if err := s.bindings.Drop(ctx); err != nil {
			return "", err
		}
		s.queue.Close()
		if err := s.wire(ctx); err != nil {
			return "", err
		}
	}

	tok, err := s.id.Claim(serverKey, s.clk.Now(), claim.DefaultTTL)
	if err != nil {
		return "", err
	}
	g, err := s.transport(s.cfg.Home.Addr)
	if err != nil {
		return "", err
	}
	resp, err := g.Signup(ctx, tok)
	if err != nil {
		return "", err
	}
	if resp.Status != model.SignupOK {
		_, perr := s.errors.Publish(ctx, errpub.Report{
			ErrorID:            errpub.SignupRefused,
			ErrorParam:         string(resp.Status),
			UserActionRequired: true,
		})
		return resp.Status, perr
	}
	if resp.ServerKey != serverKey {
		return "", &errs.KeyMismatchError{Declared: serverKey.String(), Proven: resp.ServerKey.String()}
	}
	err = s.bindings.Set(ctx, binding.Binding{
		Addr:      s.cfg.Home.Addr,
		ServerKey: resp.ServerKey,
		SignKey:   resp.SignKey,
		BoundAt:   s.clk.Now(),
	})
	return resp.Status, err
}

// flush connects and waits until every queued action is acknowledged. fetch
// also pulls every undelivered replica block.
func (s *session) flush(ctx context.Context, fetch bool) error {
	home, err := s.bindings.Get(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return errors.New("not bound to a home server: run `fanrelay signup` first")
	}
	if err != nil {
		return err
	}
	g, err := s.transport(home.Addr)
	if err != nil {
		return err
	}
	c := conn.New(conn.Deps{
		Queue:          s.queue,
		Transport:      g,
		Bindings:       s.bindings,
		Claims:         identity.NewClaims(s.id, s.clk, 0),
		Errors:         s.errors,
		Replicas:       s.replicas,
		Clock:          s.clk,
		ReconnectDelay: s.cfg.ReconnectDelay,
	}, s.log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	if fetch {
		fctx, fcancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-c.Stopped():
				fcancel()
			case <-fctx.Done():
			}
		}()
		n, err := s.app.FetchReplicas(fctx)
		fcancel()
		select {
		case <-c.Stopped():
			return errStopped
		default:
		}
		if err != nil {
			return err
		}
		s.log.Info("fetched replica blocks", zap.Int("stored", n))
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for s.queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d actions still queued: %w", s.queue.Len(), ctx.Err())
		case <-c.Stopped():
			return errStopped
		case <-tick.C:
		}
	}
	return nil
}
