// Package daemon wires together the policy table, dispatcher, audit trail,
// durable spool, queryable history, admin API, and live invocation feed into
// a single runnable process, and drives their lifecycle through a shared
// context. The accept loop that turns inbound connections into dispatcher
// calls lives here too, built on the reference transport in internal/wire.
package daemon

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eyrie-systems/remctld/internal/acl"
	"github.com/eyrie-systems/remctld/internal/adminapi"
	"github.com/eyrie-systems/remctld/internal/audit"
	"github.com/eyrie-systems/remctld/internal/config"
	"github.com/eyrie-systems/remctld/internal/dispatch"
	"github.com/eyrie-systems/remctld/internal/history"
	"github.com/eyrie-systems/remctld/internal/invocation"
	"github.com/eyrie-systems/remctld/internal/livefeed"
	"github.com/eyrie-systems/remctld/internal/policy"
	"github.com/eyrie-systems/remctld/internal/reload"
	"github.com/eyrie-systems/remctld/internal/spool"
	"github.com/eyrie-systems/remctld/internal/wire"
)

// Daemon is the central orchestrator of the remctld server. It starts and
// supervises the policy watcher, connection accept loop, spool forwarder,
// admin API, and live invocation feed.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	policyWatcher *reload.Watcher
	acl           acl.Evaluator
	auditLog      *audit.Logger
	spool         *spool.Spool
	history       *history.Store
	feed          *livefeed.Broadcaster

	listener net.Listener
	adminSrv *http.Server

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithACL overrides the default permit-via-rule.ACL evaluator.
func WithACL(e acl.Evaluator) Option {
	return func(d *Daemon) { d.acl = e }
}

// WithHistory registers a queryable invocation-history sink. Optional: when
// omitted, invocation records are only retained in the local hash-chained
// audit log and durable spool.
func WithHistory(h *history.Store) Option {
	return func(d *Daemon) { d.history = h }
}

// New constructs a Daemon from cfg. It loads the policy table, opens the
// audit log and durable spool, and prepares (but does not start) the
// network listeners. Callers provide additional components such as
// WithHistory via opts.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	policyWatcher, err := reload.New(cfg.PolicyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: load policy: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open audit log: %w", err)
	}

	sp, err := spool.Open(cfg.SpoolPath)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("daemon: open spool: %w", err)
	}

	d := &Daemon{
		cfg:           cfg,
		logger:        logger,
		policyWatcher: policyWatcher,
		acl:           &acl.ListEvaluator{},
		auditLog:      auditLog,
		spool:         sp,
		feed:          livefeed.NewBroadcaster(logger, 0),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Start begins serving: it opens the reference transport listener, starts
// the policy file watcher, the spool forwarder (only when a history store is
// configured), the admin API, and the live feed WebSocket endpoint. It returns once the listener is open; connection
// handling proceeds in background goroutines until Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("starting remctld",
		slog.String("listen_addr", d.cfg.ListenAddr),
		slog.String("admin_addr", d.cfg.AdminAddr),
		slog.String("log_level", d.cfg.LogLevel),
	)

	if err := d.policyWatcher.Start(ctx); err != nil {
		cancel()
		d.setRunning(false)
		return fmt.Errorf("daemon: start policy watcher: %w", err)
	}

	if d.history != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			spool.Run(ctx, d.spool, d.forwardToHistory, spool.ForwarderConfig{}, d.logger)
		}()
	}

	tlsCfg, err := loadTLSConfig(d.cfg.TLS)
	if err != nil {
		cancel()
		d.setRunning(false)
		return fmt.Errorf("daemon: load TLS config: %w", err)
	}

	ln, err := tls.Listen("tcp", d.cfg.ListenAddr, tlsCfg)
	if err != nil {
		cancel()
		d.setRunning(false)
		return fmt.Errorf("daemon: listen on %q: %w", d.cfg.ListenAddr, err)
	}
	d.listener = ln

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptLoop(ctx)
	}()

	if err := d.startAdminAPI(); err != nil {
		cancel()
		d.setRunning(false)
		return fmt.Errorf("daemon: start admin API: %w", err)
	}

	d.logger.Info("remctld started")
	return nil
}

// Stop signals all components to shut down and waits for internal
// goroutines to exit. Safe to call multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	if d.listener != nil {
		d.listener.Close()
	}
	if d.adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.adminSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	d.policyWatcher.Stop()
	d.feed.Close()
	d.wg.Wait()

	if err := d.spool.Close(); err != nil {
		d.logger.Warn("error closing spool", slog.Any("error", err))
	}
	if d.history != nil {
		d.history.Close(context.Background())
	}
	if err := d.auditLog.Close(); err != nil {
		d.logger.Warn("error closing audit log", slog.Any("error", err))
	}

	d.logger.Info("remctld stopped")
}

func (d *Daemon) setRunning(v bool) {
	d.mu.Lock()
	d.running = v
	d.mu.Unlock()
}

// forwardToHistory is the spool.Sender used by the forwarder goroutine: it
// flushes a batch of pending invocation records into the queryable history
// store.
func (d *Daemon) forwardToHistory(ctx context.Context, batch []spool.PendingRecord) error {
	for _, pr := range batch {
		if err := d.history.Insert(ctx, pr.Record); err != nil {
			return err
		}
	}
	return d.history.Flush(ctx)
}

// acceptLoop accepts inbound connections until ctx is cancelled and hands
// each to handleConn in its own goroutine.
func (d *Daemon) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.logger.Warn("accept error", slog.Any("error", err))
				return
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

// handleConn authenticates the peer (via the TLS client certificate), reads
// a single request using the reference framing, dispatches it, and closes
// the connection. The reference transport is one request per connection,
// matching the historical one-shot client invocation model.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peerAddr := conn.RemoteAddr().String()
	user := peerIdentity(conn)

	req, err := wire.ReadRequest(conn)
	if err != nil {
		d.logger.Warn("failed to read request", slog.String("peer", peerAddr), slog.Any("error", err))
		return
	}

	sink := wire.NewConn(conn)

	rec := &recorder{
		daemon:   d,
		peerAddr: peerAddr,
	}

	dispatcher := dispatch.Dispatcher{
		Policy: d.policyWatcher.Table(),
		ACL:    d.acl,
		Audit:  rec,
		Logger: d.logger,
	}

	dispatcher.Dispatch(dispatch.Request{
		Argv:     req.Argv,
		User:     user,
		PeerAddr: peerAddr,
	}, req.Protocol, sink)
}

// recorder implements dispatch.AuditLogger. It appends an entry to the
// tamper-evident audit log, enqueues an invocation record for durable
// forwarding, and publishes the record to the live invocation feed.
//
// The audit hook fires after rule lookup and before the dispatcher's
// unknown-command and ACL checks, so the record's Allowed is derived here:
// true only when a rule matched (non-empty Program) and the daemon's ACL
// evaluator permits the user. The child has not run yet, so the exit status
// is recorded as 0.
type recorder struct {
	daemon   *Daemon
	peerAddr string
}

func (r *recorder) LogCommand(argv []string, rule policy.Rule, user string) {
	r.daemon.auditLog.LogCommand(argv, rule, user)

	allowed := rule.Program != ""
	if allowed && r.daemon.acl != nil {
		allowed = r.daemon.acl.Permit(rule, user)
	}

	rec := invocation.Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		User:      user,
		PeerAddr:  r.peerAddr,
		Program:   rule.Program,
		Allowed:   allowed,
	}
	if len(argv) > 0 {
		rec.Command = argv[0]
	}
	if len(argv) > 1 {
		rec.Subcommand = argv[1]
	}

	if err := r.daemon.spool.Enqueue(context.Background(), rec); err != nil {
		r.daemon.logger.Warn("failed to enqueue invocation record", slog.Any("error", err))
	}
	r.daemon.feed.Publish(rec)
}

// startAdminAPI builds the admin HTTP server and starts it in a background
// goroutine.
func (d *Daemon) startAdminAPI() error {
	var pubKey *rsa.PublicKey
	if d.cfg.AdminJWTPublicKeyPath != "" {
		key, err := loadRSAPublicKey(d.cfg.AdminJWTPublicKeyPath)
		if err != nil {
			return fmt.Errorf("load admin JWT public key: %w", err)
		}
		pubKey = key
	}

	// d.history is a concrete *history.Store; pass it through an
	// interface-typed nil explicitly when unset so adminapi's nil check
	// on the HistoryStore interface actually triggers (a nil *history.Store
	// stored in a non-nil interface value would not).
	var historyStore adminapi.HistoryStore
	if d.history != nil {
		historyStore = d.history
	}
	srv := adminapi.NewServer(historyStore, d.policyWatcher.Table, d.spool)
	router := adminapi.NewRouter(srv, pubKey)

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/ws/feed", livefeed.NewHandler(d.feed, d.logger, 10*time.Second))

	d.adminSrv = &http.Server{Addr: d.cfg.AdminAddr, Handler: mux}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("admin API server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// peerIdentity derives the authenticated identity from the peer's TLS
// client certificate, falling back to "anonymous" when no certificate is
// presented (e.g. client-cert verification disabled in config).
func peerIdentity(conn net.Conn) string {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "anonymous"
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "anonymous"
	}
	return state.PeerCertificates[0].Subject.CommonName
}

func loadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cfg.ClientCAPath != "" {
		caPEM, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from %q", cfg.ClientCAPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %q", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key in %q is not an RSA public key", path)
	}
	return rsaKey, nil
}

// Health is a snapshot of daemon runtime state: uptime and spool depth.
type Health struct {
	UptimeS    float64
	SpoolDepth int
}

// Health returns the current runtime snapshot.
func (d *Daemon) Health() Health {
	return Health{
		UptimeS:    time.Since(d.startTime).Seconds(),
		SpoolDepth: d.spool.Depth(),
	}
}
