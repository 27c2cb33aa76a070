package gateway

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/pool"
	"github.com/cuemby/burrow/pkg/selector"
)

// MaxPageSize caps the RFC 2696 page size. Larger requests are clamped,
// not rejected.
const MaxPageSize = 1000

// PagedSearch walks a search result one page at a time. It pins one
// pooled session for its whole life because paging cookies are only
// valid on the connection that issued them. Single-use: Close it when
// done, whether or not the result was exhausted.
type PagedSearch struct {
	g       *Gateway
	cluster string
	sess    *pool.Session
	conn    Conn

	baseDN   string
	filter   string
	attrs    []string
	pageSize uint32

	ctrl    *ldap.ControlPaging
	done    bool
	closed  bool
	hasMore bool
	connErr bool
}

// SearchPaged starts a paged subtree search. pageSize is clamped to
// [1, MaxPageSize].
func (g *Gateway) SearchPaged(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN, filter string, attrs []string, pageSize int) (*PagedSearch, error) {
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	sess, conn, err := g.acquire(ctx, cluster, class)
	if err != nil {
		return nil, err
	}

	return &PagedSearch{
		g:        g,
		cluster:  cluster.Name,
		sess:     sess,
		conn:     conn,
		baseDN:   baseDN,
		filter:   filter,
		attrs:    attrs,
		pageSize: uint32(pageSize),
		ctrl:     ldap.NewControlPaging(uint32(pageSize)),
	}, nil
}

// Next returns the next page, or (nil, nil) once the result is
// exhausted.
func (ps *PagedSearch) Next() ([]Entry, error) {
	if ps.done || ps.closed {
		return nil, nil
	}

	start := time.Now()
	req := ldap.NewSearchRequest(
		ps.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false,
		ps.filter, ps.attrs,
		[]ldap.Control{ps.ctrl},
	)
	res, err := ps.conn.Search(req)
	ps.g.observe(ps.cluster, "search_paged", start, err)
	if err != nil {
		ps.done = true
		ps.connErr = isConnError(err)
		return nil, mapLDAPError("search", err)
	}

	entries := make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, entryFromLDAP(e))
	}

	ctrl, _ := ldap.FindControl(res.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
	switch {
	case ctrl != nil && len(ctrl.Cookie) > 0:
		ps.ctrl.SetCookie(ctrl.Cookie)
		ps.hasMore = true
	case ctrl == nil && len(entries) == int(ps.pageSize):
		// A full page with no paging control back means the server
		// ignored RFC 2696; continuing would re-read page one forever.
		log.WithCluster(ps.cluster).Warn().
			Str("base_dn", ps.baseDN).
			Msg("Server did not honor paged results control, terminating walk")
		ps.done = true
		ps.hasMore = false
	default:
		ps.done = true
		ps.hasMore = false
	}
	return entries, nil
}

// HasMore reports whether the server holds further pages beyond the
// last one returned.
func (ps *PagedSearch) HasMore() bool {
	return ps.hasMore && !ps.done
}

// Close releases the pinned session. An unfinished walk is abandoned
// first with a zero-size paged request so the server can free its
// cursor. Idempotent.
func (ps *PagedSearch) Close() error {
	if ps.closed {
		return nil
	}
	ps.closed = true

	if !ps.done && ps.hasMore && !ps.connErr {
		abandon := ldap.NewControlPaging(0)
		abandon.SetCookie(ps.ctrl.Cookie)
		req := ldap.NewSearchRequest(
			ps.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, 0, false,
			ps.filter, []string{"dn"},
			[]ldap.Control{abandon},
		)
		if _, err := ps.conn.Search(req); err != nil {
			ps.connErr = isConnError(err)
			log.WithCluster(ps.cluster).Debug().Err(err).Msg("Paged search abandon failed")
		}
	}

	ps.g.pool.Release(ps.sess, !ps.connErr)
	return nil
}
