// Package gateway wraps the raw LDAP protocol behind typed operations:
// bind checks, paged searches, single-target mutations and rootDSE reads.
// It owns filter escaping, timeouts, pool checkout and the mapping from
// LDAP result codes to error kinds. Callers above it never touch a
// connection or a filter string directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pool"
	"github.com/cuemby/burrow/pkg/selector"
	"github.com/cuemby/burrow/pkg/vault"
)

// Conn is the full LDAP connection surface the gateway drives. It is
// satisfied by *ldap.Conn; tests substitute fakes.
type Conn interface {
	Bind(bindDN, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	SetTimeout(timeout time.Duration)
	Close() error
}

// DialFunc opens an unauthenticated LDAP connection to one node.
type DialFunc func(ctx context.Context, host string, port int) (Conn, error)

// Options tune gateway timeouts and pooling.
type Options struct {
	NetTimeout time.Duration
	OpTimeout  time.Duration
	IdleTTL    time.Duration
	Dial       DialFunc // nil means plain ldap:// with NetTimeout
}

// Gateway executes typed LDAP operations against cluster nodes chosen by
// the selector, using pooled authenticated sessions.
type Gateway struct {
	cfg        *config.Store
	sel        *selector.Selector
	vault      *vault.Vault
	pool       *pool.Pool
	dial       DialFunc
	netTimeout time.Duration
	opTimeout  time.Duration

	// Per-cluster lock serializing next-uid allocation with the add that
	// consumes it.
	uidMu    sync.Mutex
	uidLocks map[string]*sync.Mutex
}

// New constructs a Gateway and its connection pool.
func New(cfg *config.Store, sel *selector.Selector, v *vault.Vault, opts Options) *Gateway {
	if opts.NetTimeout <= 0 {
		opts.NetTimeout = config.DefaultNetTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = config.DefaultOpTimeout
	}
	g := &Gateway{
		cfg:        cfg,
		sel:        sel,
		vault:      v,
		netTimeout: opts.NetTimeout,
		opTimeout:  opts.OpTimeout,
		uidLocks:   make(map[string]*sync.Mutex),
	}
	g.dial = opts.Dial
	if g.dial == nil {
		g.dial = g.dialLDAP
	}
	g.pool = pool.New(func(ctx context.Context, host string, port int) (pool.Conn, error) {
		return g.dial(ctx, host, port)
	}, opts.IdleTTL)
	return g
}

// Pool exposes the underlying session pool for stats and draining.
func (g *Gateway) Pool() *pool.Pool {
	return g.pool
}

func (g *Gateway) dialLDAP(ctx context.Context, host string, port int) (Conn, error) {
	conn, err := ldap.DialURL(
		fmt.Sprintf("ldap://%s:%d", host, port),
		ldap.DialWithDialer(&net.Dialer{Timeout: g.netTimeout}),
	)
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(g.opTimeout)
	return conn, nil
}

// effTimeout is the per-request deadline: the lower of the caller's
// remaining context budget and the configured operation timeout.
func (g *Gateway) effTimeout(ctx context.Context) time.Duration {
	timeout := g.opTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	return timeout
}

// passwordFor adapts the vault into the pool's password provider. An
// absent credential surfaces as auth_failed: the caller must connect
// first.
func (g *Gateway) passwordFor(cluster config.Cluster) pool.PasswordFunc {
	return func() (string, error) {
		pw, err := g.vault.Load(cluster.Name)
		if errors.Is(err, vault.ErrAbsent) {
			return "", errs.New(errs.KindAuthFailed, "password not configured for cluster "+cluster.Name)
		}
		if err != nil {
			return "", errs.Wrap(errs.KindInternal, "credential storage failure", err)
		}
		return pw, nil
	}
}

// acquire selects a node for the class and checks a session out of the
// pool. The returned Conn is the session's connection with the effective
// timeout applied.
func (g *Gateway) acquire(ctx context.Context, cluster config.Cluster, class selector.Class) (*pool.Session, Conn, error) {
	node, err := g.sel.Select(ctx, cluster, class)
	if err != nil {
		return nil, nil, err
	}
	sess, err := g.pool.Acquire(ctx, cluster.Name, node.Host, node.Port, cluster.BindDN, g.passwordFor(cluster))
	if err != nil {
		return nil, nil, err
	}
	conn := sess.Conn.(Conn)
	conn.SetTimeout(g.effTimeout(ctx))
	return sess, conn, nil
}

// release hands the session back, unhealthy when the error suggests the
// connection itself is no longer trustworthy. A plain LDAP rejection
// leaves the session reusable.
func (g *Gateway) release(sess *pool.Session, err error) {
	g.pool.Release(sess, !isConnError(err))
}

// isConnError reports whether the error poisoned the connection: network
// failures and expired deadlines, as opposed to server-side rejections.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return ldap.IsErrorWithCode(err, ldap.ErrorNetwork)
}

// BindTest opens a short-lived connection outside the pool and attempts
// a simple bind. Used to validate credentials before caching them.
func (g *Gateway) BindTest(ctx context.Context, clusterName, bindDN, password string) error {
	cluster, ok := g.cfg.Cluster(clusterName)
	if !ok {
		return errs.Newf(errs.KindNotFound, "cluster %q not found", clusterName)
	}
	node, err := g.sel.Select(ctx, cluster, selector.Health)
	if err != nil {
		return err
	}

	conn, err := g.dial(ctx, node.Host, node.Port)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, fmt.Sprintf("cannot connect to %s", node.Addr()), err)
	}
	defer conn.Close()
	conn.SetTimeout(g.effTimeout(ctx))

	if err := conn.Bind(bindDN, password); err != nil {
		return mapLDAPError("bind", err)
	}
	return nil
}

// ConnectNode opens a short-lived authenticated connection to a specific
// node, bypassing the pool. The monitor uses this for fan-out so probe
// noise never pollutes warm pooled sessions. bindDN and password override
// the cluster's identity when non-empty.
func (g *Gateway) ConnectNode(ctx context.Context, cluster config.Cluster, node config.Node, bindDN, password string) (Conn, error) {
	if bindDN == "" {
		bindDN = cluster.BindDN
	}
	if password == "" {
		pw, err := g.passwordFor(cluster)()
		if err != nil {
			return nil, err
		}
		password = pw
	}

	conn, err := g.dial(ctx, node.Host, node.Port)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, fmt.Sprintf("cannot connect to %s", node.Addr()), err)
	}
	conn.SetTimeout(g.effTimeout(ctx))
	if err := conn.Bind(bindDN, password); err != nil {
		conn.Close()
		return nil, mapLDAPError("bind", err)
	}
	return conn, nil
}

// ReadEntry performs a single base-scope read of one DN.
func (g *Gateway) ReadEntry(ctx context.Context, cluster config.Cluster, class selector.Class, dn string, attrs []string) (Entry, error) {
	entries, err := g.search(ctx, cluster, class, dn, ldap.ScopeBaseObject, "(objectClass=*)", attrs, 0)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, errs.Newf(errs.KindNotFound, "entry %q not found", dn)
	}
	return entries[0], nil
}

// RootDSE reads the server's root DSE operational attributes.
func (g *Gateway) RootDSE(ctx context.Context, cluster config.Cluster) (Entry, error) {
	entries, err := g.search(ctx, cluster, selector.Health, "", ldap.ScopeBaseObject, "(objectClass=*)",
		[]string{"namingContexts", "supportedControl", "contextCSN", "+"}, 0)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, errs.New(errs.KindNotFound, "root DSE not readable")
	}
	return entries[0], nil
}

// Search runs a bounded unpaged subtree search.
func (g *Gateway) Search(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN, filter string, attrs []string, sizeLimit int) ([]Entry, error) {
	return g.search(ctx, cluster, class, baseDN, ldap.ScopeWholeSubtree, filter, attrs, sizeLimit)
}

// Count returns the number of entries matching the filter, fetching DNs
// only.
func (g *Gateway) Count(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN, filter string) (int, error) {
	entries, err := g.search(ctx, cluster, class, baseDN, ldap.ScopeWholeSubtree, filter, []string{"dn"}, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (g *Gateway) search(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN string, scope int, filter string, attrs []string, sizeLimit int) ([]Entry, error) {
	start := time.Now()
	sess, conn, err := g.acquire(ctx, cluster, class)
	if err != nil {
		return nil, err
	}

	req := ldap.NewSearchRequest(
		baseDN, scope, ldap.NeverDerefAliases,
		sizeLimit, 0, false,
		filter, attrs, nil,
	)
	res, err := conn.Search(req)
	g.release(sess, err)
	g.observe(cluster.Name, "search", start, err)
	if err != nil {
		return nil, mapLDAPError("search", err)
	}

	entries := make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, entryFromLDAP(e))
	}
	return entries, nil
}

// Add creates an entry on the write node.
func (g *Gateway) Add(ctx context.Context, cluster config.Cluster, dn string, attrs map[string][]string) error {
	start := time.Now()
	sess, conn, err := g.acquire(ctx, cluster, selector.Write)
	if err != nil {
		return err
	}

	req := ldap.NewAddRequest(dn, nil)
	for k, vals := range attrs {
		req.Attribute(k, vals)
	}
	err = conn.Add(req)
	g.release(sess, err)
	g.observe(cluster.Name, "add", start, err)
	if err != nil {
		return mapLDAPError("add", err)
	}
	return nil
}

// Modify replaces attribute values on the write node.
func (g *Gateway) Modify(ctx context.Context, cluster config.Cluster, dn string, changes map[string][]string) error {
	start := time.Now()
	sess, conn, err := g.acquire(ctx, cluster, selector.Write)
	if err != nil {
		return err
	}

	req := ldap.NewModifyRequest(dn, nil)
	for k, vals := range changes {
		req.Replace(k, vals)
	}
	err = conn.Modify(req)
	g.release(sess, err)
	g.observe(cluster.Name, "modify", start, err)
	if err != nil {
		return mapLDAPError("modify", err)
	}
	return nil
}

// Delete removes an entry on the write node.
func (g *Gateway) Delete(ctx context.Context, cluster config.Cluster, dn string) error {
	start := time.Now()
	sess, conn, err := g.acquire(ctx, cluster, selector.Write)
	if err != nil {
		return err
	}

	err = conn.Del(ldap.NewDelRequest(dn, nil))
	g.release(sess, err)
	g.observe(cluster.Name, "delete", start, err)
	if err != nil {
		return mapLDAPError("delete", err)
	}
	return nil
}

// AddValue appends a value to a multi-valued attribute. An "attribute or
// value exists" rejection counts as success: the state is already there.
func (g *Gateway) AddValue(ctx context.Context, cluster config.Cluster, dn, attr, value string) error {
	start := time.Now()
	sess, conn, err := g.acquire(ctx, cluster, selector.Write)
	if err != nil {
		return err
	}

	req := ldap.NewModifyRequest(dn, nil)
	req.Add(attr, []string{value})
	err = conn.Modify(req)
	g.release(sess, err)
	g.observe(cluster.Name, "modify", start, err)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
			return nil
		}
		return mapLDAPError("modify", err)
	}
	return nil
}

// RemoveValue deletes a value from a multi-valued attribute. A "no such
// attribute" rejection counts as success.
func (g *Gateway) RemoveValue(ctx context.Context, cluster config.Cluster, dn, attr, value string) error {
	start := time.Now()
	sess, conn, err := g.acquire(ctx, cluster, selector.Write)
	if err != nil {
		return err
	}

	req := ldap.NewModifyRequest(dn, nil)
	req.Delete(attr, []string{value})
	err = conn.Modify(req)
	g.release(sess, err)
	g.observe(cluster.Name, "modify", start, err)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) {
			return nil
		}
		return mapLDAPError("modify", err)
	}
	return nil
}

// ReadEntryOn is a base-scope read over an explicitly opened connection,
// for callers that must target one specific node.
func (g *Gateway) ReadEntryOn(conn Conn, dn string, attrs []string) (Entry, error) {
	req := ldap.NewSearchRequest(
		dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=*)", attrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return Entry{}, mapLDAPError("search", err)
	}
	if len(res.Entries) == 0 {
		return Entry{}, errs.Newf(errs.KindNotFound, "entry %q not found", dn)
	}
	return entryFromLDAP(res.Entries[0]), nil
}

// SearchOn is a subtree search over an explicitly opened connection.
func (g *Gateway) SearchOn(conn Conn, baseDN, filter string, attrs []string) ([]Entry, error) {
	req := ldap.NewSearchRequest(
		baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false,
		filter, attrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, mapLDAPError("search", err)
	}
	entries := make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, entryFromLDAP(e))
	}
	return entries, nil
}

func (g *Gateway) observe(cluster, op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(errs.KindOf(mapLDAPError(op, err)))
	}
	metrics.LDAPOperationsTotal.WithLabelValues(cluster, op, outcome).Inc()
	metrics.LDAPOperationDuration.WithLabelValues(cluster, op).Observe(time.Since(start).Seconds())
}

// mapLDAPError translates go-ldap errors into typed kinds. Anything
// already typed passes through untouched.
func mapLDAPError(op string, err error) error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.KindTimeout, "LDAP "+op+" timed out", err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return errs.Wrap(errs.KindAuthFailed, "invalid credentials", err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return errs.Wrap(errs.KindNotFound, "no such entry", err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists):
		return errs.Wrap(errs.KindConflict, "entry already exists", err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights):
		return errs.Wrap(errs.KindForbidden, "insufficient access rights", err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultObjectClassViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUndefinedAttributeType),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidAttributeSyntax):
		return errs.Wrap(errs.KindUnprocessable, "schema violation", err)
	case isConnError(err):
		if isTimeoutError(err) {
			return errs.Wrap(errs.KindTimeout, "LDAP "+op+" timed out", err)
		}
		return errs.Wrap(errs.KindUnavailable, "LDAP server unreachable", err)
	default:
		log.WithComponent("gateway").Debug().Err(err).Str("operation", op).Msg("Unmapped LDAP error")
		return errs.Wrap(errs.KindInternal, "LDAP "+op+" failed", err)
	}
}

func isTimeoutError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
