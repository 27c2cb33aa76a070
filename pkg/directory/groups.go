package directory

import (
	"context"
	"strings"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/selector"
)

// Group is a directory group in summary form.
type Group struct {
	DN          string `json:"dn"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Members     int    `json:"members"`
}

// GroupError reports one group that could not be updated during a
// membership change.
type GroupError struct {
	Group string `json:"group"`
	Error string `json:"error"`
}

// MembershipResult is the outcome of a membership change across several
// groups. Status is "success" when every group was updated and "partial"
// otherwise; the per-group failures ride alongside.
type MembershipResult struct {
	Status  string       `json:"status"`
	Updated []string     `json:"updated"`
	Errors  []GroupError `json:"errors,omitempty"`
}

// ListGroups returns every group under the cluster's base DN.
func (s *Service) ListGroups(ctx context.Context, clusterName string) ([]Group, error) {
	cluster, err := s.cluster(clusterName)
	if err != nil {
		return nil, err
	}

	entries, err := s.gw.Search(ctx, cluster, selector.Read, cluster.BaseDN,
		gateway.FilterGroups,
		[]string{"cn", "description", "objectClass", "member", "uniqueMember", "memberUid"}, 0)
	if err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(entries))
	for _, e := range entries {
		groups = append(groups, Group{
			DN:          e.DN,
			Name:        e.First("cn"),
			Description: e.First("description"),
			Members:     memberCount(e),
		})
	}
	return groups, nil
}

func memberCount(e gateway.Entry) int {
	attr, _ := memberAttribute(e)
	n := 0
	for _, v := range e.Attributes[attr] {
		if v != "" {
			n++
		}
	}
	return n
}

// UserGroups returns the DNs of every group the user belongs to, under
// any of the three membership schemes.
func (s *Service) UserGroups(ctx context.Context, clusterName, userDN string, consistent bool) ([]string, error) {
	cluster, err := s.cluster(clusterName)
	if err != nil {
		return nil, err
	}

	filter := gateway.And(
		gateway.FilterGroups,
		gateway.Or(
			gateway.Equals("member", userDN),
			gateway.Equals("uniqueMember", userDN),
			gateway.Equals("memberUid", rdnValue(userDN)),
		),
	)
	entries, err := s.gw.Search(ctx, cluster, readClass(consistent), cluster.BaseDN,
		filter, []string{"dn"}, 0)
	if err != nil {
		return nil, err
	}

	dns := make([]string, 0, len(entries))
	for _, e := range entries {
		dns = append(dns, e.DN)
	}
	return dns, nil
}

// SetUserGroups applies a membership diff: the user is added to each
// group in add and removed from each in remove. Each group is updated
// independently and failures do not abort the rest; the result carries
// what succeeded and what did not. Groups already in the requested state
// are left untouched.
func (s *Service) SetUserGroups(ctx context.Context, clusterName, userDN string, add, remove []string) (MembershipResult, error) {
	cluster, err := s.cluster(clusterName)
	if err != nil {
		return MembershipResult{}, err
	}
	if err := s.guardWritable(cluster); err != nil {
		return MembershipResult{}, err
	}

	res := MembershipResult{Status: "success", Updated: []string{}}
	apply := func(groupDN, op string) {
		err := s.changeMembership(ctx, cluster, groupDN, userDN, op)
		s.record(ctx, cluster.Name, groupDN, "group_"+op, err)
		if err != nil {
			log.WithCluster(cluster.Name).Warn().
				Err(err).
				Str("group", groupDN).
				Str("user", userDN).
				Msg("Group membership change failed")
			res.Errors = append(res.Errors, GroupError{Group: groupDN, Error: errs.MessageOf(err)})
			return
		}
		res.Updated = append(res.Updated, groupDN)
	}

	for _, g := range add {
		apply(g, "add")
	}
	for _, g := range remove {
		apply(g, "remove")
	}

	if len(res.Errors) > 0 {
		res.Status = "partial"
	}
	return res, nil
}

// changeMembership adds or removes one user on one group, using the
// membership attribute the group's schema calls for.
func (s *Service) changeMembership(ctx context.Context, cluster config.Cluster, groupDN, userDN, op string) error {
	group, err := s.gw.ReadEntry(ctx, cluster, selector.Write, groupDN,
		[]string{"objectClass", "member", "uniqueMember", "memberUid"})
	if err != nil {
		return err
	}

	attr, byUID := memberAttribute(group)
	value := userDN
	if byUID {
		value = rdnValue(userDN)
	}

	// No-op when the group already matches the requested state.
	if op == "add" && group.Has(attr, value) {
		return nil
	}
	if op == "remove" && !group.Has(attr, value) {
		return nil
	}

	if op == "add" {
		return s.gw.AddValue(ctx, cluster, groupDN, attr, value)
	}
	return s.gw.RemoveValue(ctx, cluster, groupDN, attr, value)
}

// memberAttribute picks the membership attribute for a group's schema
// and whether it stores uids rather than DNs.
func memberAttribute(group gateway.Entry) (attr string, byUID bool) {
	switch {
	case group.Has("objectClass", "groupOfUniqueNames"):
		return "uniqueMember", false
	case group.Has("objectClass", "posixGroup"):
		return "memberUid", true
	default:
		return "member", false
	}
}

// rdnValue extracts the value of the first RDN: the uid for a typical
// user DN.
func rdnValue(dn string) string {
	first, _, _ := strings.Cut(dn, ",")
	_, val, ok := strings.Cut(first, "=")
	if !ok {
		return dn
	}
	return strings.TrimSpace(val)
}
