// Package directory implements the entry-management operations exposed
// over the API: browsing views, entry CRUD and group membership. It
// speaks to LDAP only through the gateway and never builds a filter
// string of its own.
package directory

import (
	"context"

	"github.com/cuemby/burrow/pkg/audit"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/selector"
)

// Pager walks a paged search result.
type Pager interface {
	Next() ([]gateway.Entry, error)
	HasMore() bool
	Close() error
}

// Gateway is the slice of the LDAP gateway this service consumes.
type Gateway interface {
	Search(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN, filter string, attrs []string, sizeLimit int) ([]gateway.Entry, error)
	SearchPaged(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN, filter string, attrs []string, pageSize int) (Pager, error)
	Count(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN, filter string) (int, error)
	ReadEntry(ctx context.Context, cluster config.Cluster, class selector.Class, dn string, attrs []string) (gateway.Entry, error)
	Add(ctx context.Context, cluster config.Cluster, dn string, attrs map[string][]string) error
	Modify(ctx context.Context, cluster config.Cluster, dn string, changes map[string][]string) error
	Delete(ctx context.Context, cluster config.Cluster, dn string) error
	AddValue(ctx context.Context, cluster config.Cluster, dn, attr, value string) error
	RemoveValue(ctx context.Context, cluster config.Cluster, dn, attr, value string) error
	ResolvePlaceholders(ctx context.Context, cluster config.Cluster, attrs map[string][]string) error
	WithUIDLock(cluster string, fn func() error) error
}

// gatewayAdapter narrows *gateway.Gateway to the Gateway interface; the
// only friction is the concrete paged-search type.
type gatewayAdapter struct {
	*gateway.Gateway
}

func (a gatewayAdapter) SearchPaged(ctx context.Context, cluster config.Cluster, class selector.Class, baseDN, filter string, attrs []string, pageSize int) (Pager, error) {
	return a.Gateway.SearchPaged(ctx, cluster, class, baseDN, filter, attrs, pageSize)
}

// Service implements entry management for every configured cluster.
type Service struct {
	cfg   *config.Store
	gw    Gateway
	trail *audit.Log // nil disables the trail
}

// New builds a Service on the concrete gateway.
func New(cfg *config.Store, gw *gateway.Gateway, trail *audit.Log) *Service {
	return &Service{cfg: cfg, gw: gatewayAdapter{gw}, trail: trail}
}

// NewWithGateway is New with an explicit Gateway, for tests.
func NewWithGateway(cfg *config.Store, gw Gateway, trail *audit.Log) *Service {
	return &Service{cfg: cfg, gw: gw, trail: trail}
}

func (s *Service) cluster(name string) (config.Cluster, error) {
	c, ok := s.cfg.Cluster(name)
	if !ok {
		return config.Cluster{}, errs.Newf(errs.KindNotFound, "cluster %q not found", name)
	}
	return c, nil
}

// readClass picks the node class for a read. Flows that just wrote ask
// for a consistent read and are routed to the write master so they see
// their own mutation regardless of replication lag.
func readClass(consistent bool) selector.Class {
	if consistent {
		return selector.Write
	}
	return selector.Read
}

// Stats summarizes a cluster's entry population by view.
type Stats struct {
	Users  int `json:"users"`
	Groups int `json:"groups"`
	OUs    int `json:"ous"`
	Other  int `json:"other"`
	Total  int `json:"total"`
}

// ClusterStats counts entries per view under the cluster's base DN.
func (s *Service) ClusterStats(ctx context.Context, clusterName string) (Stats, error) {
	cluster, err := s.cluster(clusterName)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	counts := []struct {
		filter string
		dst    *int
	}{
		{"(objectClass=*)", &st.Total},
		{gateway.FilterUsers, &st.Users},
		{gateway.FilterGroups, &st.Groups},
		{gateway.FilterOUs, &st.OUs},
	}
	for _, c := range counts {
		n, err := s.gw.Count(ctx, cluster, selector.Read, cluster.BaseDN, c.filter)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = n
	}
	st.Other = st.Total - st.Users - st.Groups - st.OUs
	if st.Other < 0 {
		st.Other = 0
	}
	return st, nil
}

// ListParams select a page of a view.
type ListParams struct {
	Cluster  string
	View     string // users, groups, ous
	Query    string // optional substring match over QueryAttributes
	Page     int    // 1-based
	PageSize int

	// ConsistentRead routes the search to the write master.
	ConsistentRead bool
}

// ListResult is one page of entries plus pagination state.
type ListResult struct {
	Entries  []gateway.Entry `json:"entries"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	HasMore  bool            `json:"has_more"`
}

// List returns one page of a view, optionally narrowed by a substring
// query over the cluster's search attributes. Pages before the requested
// one are walked and discarded: RFC 2696 cookies cannot seek.
func (s *Service) List(ctx context.Context, p ListParams) (ListResult, error) {
	cluster, err := s.cluster(p.Cluster)
	if err != nil {
		return ListResult{}, err
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 50
	}

	filter := gateway.ViewFilter(p.View)
	if q := p.Query; q != "" {
		terms := make([]string, 0, len(cluster.QueryAttributes()))
		for _, attr := range cluster.QueryAttributes() {
			terms = append(terms, gateway.Contains(attr, q))
		}
		filter = gateway.And(filter, gateway.Or(terms...))
	}

	class := readClass(p.ConsistentRead)
	pager, err := s.gw.SearchPaged(ctx, cluster, class, cluster.BaseDN, filter,
		[]string{"*", "+"}, p.PageSize)
	if err != nil {
		return ListResult{}, err
	}
	defer pager.Close()

	var entries []gateway.Entry
	for walked := 0; walked < p.Page; walked++ {
		entries, err = pager.Next()
		if err != nil {
			return ListResult{}, err
		}
		if entries == nil {
			// The view ended before the requested page.
			entries = []gateway.Entry{}
			break
		}
	}

	total, err := s.gw.Count(ctx, cluster, class, cluster.BaseDN, filter)
	if err != nil {
		return ListResult{}, err
	}

	return ListResult{
		Entries:  entries,
		Total:    total,
		Page:     p.Page,
		PageSize: p.PageSize,
		HasMore:  pager.HasMore(),
	}, nil
}

// Entry reads one entry by DN with all user and operational attributes.
func (s *Service) Entry(ctx context.Context, clusterName, dn string, consistent bool) (gateway.Entry, error) {
	cluster, err := s.cluster(clusterName)
	if err != nil {
		return gateway.Entry{}, err
	}
	return s.gw.ReadEntry(ctx, cluster, readClass(consistent), dn, []string{"*", "+"})
}
