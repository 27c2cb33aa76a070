package directory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/audit"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/gateway"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/selector"
)

// createRetries bounds re-allocation attempts when a generated uid loses
// a race to another writer.
const createRetries = 3

// CreateRequest describes a new entry. DN may be left empty when the
// cluster's creation form defines a base OU; it is then derived from the
// form's first field.
type CreateRequest struct {
	Cluster    string
	DN         string
	Attributes map[string][]string
}

func (s *Service) guardWritable(cluster config.Cluster) error {
	if cluster.ReadOnly {
		return errs.Newf(errs.KindForbidden, "cluster %q is read-only", cluster.Name)
	}
	return nil
}

func (s *Service) record(ctx context.Context, cluster, dn, op string, err error) {
	if s.trail == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(errs.KindOf(err))
	}
	s.trail.Record(ctx, audit.Entry{
		Cluster:   cluster,
		DN:        dn,
		Operation: op,
		Outcome:   outcome,
	})
}

// Create adds an entry on the cluster's write master. Auto-generated
// fields are resolved under the uid allocation lock; when a generated
// uid still collides with a concurrent writer the allocation is retried.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	cluster, err := s.cluster(req.Cluster)
	if err != nil {
		return "", err
	}
	if err := s.guardWritable(cluster); err != nil {
		return "", err
	}
	if len(req.Attributes) == 0 {
		return "", errs.New(errs.KindBadRequest, "entry attributes are required")
	}

	var dn string
	for attempt := 0; ; attempt++ {
		attrs := cloneAttrs(req.Attributes)

		err = s.gw.WithUIDLock(cluster.Name, func() error {
			if err := s.gw.ResolvePlaceholders(ctx, cluster, attrs); err != nil {
				return err
			}
			var derr error
			dn, derr = s.entryDN(cluster, req.DN, attrs)
			if derr != nil {
				return derr
			}
			return s.gw.Add(ctx, cluster, dn, attrs)
		})
		if err == nil {
			break
		}
		if errs.IsKind(err, errs.KindConflict) && generatesUID(cluster) && attempt < createRetries-1 {
			log.WithCluster(cluster.Name).Warn().
				Str("dn", dn).
				Int("attempt", attempt+1).
				Msg("Generated uid collided, reallocating")
			continue
		}
		s.record(ctx, cluster.Name, dn, "create", err)
		return "", err
	}

	s.record(ctx, cluster.Name, dn, "create", nil)
	return dn, nil
}

// entryDN returns the explicit DN or derives one from the creation
// form's base OU and first field.
func (s *Service) entryDN(cluster config.Cluster, explicit string, attrs map[string][]string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	form := cluster.UserCreationForm
	if form == nil || len(form.Fields) == 0 {
		return "", errs.New(errs.KindBadRequest, "dn is required: cluster has no creation form")
	}
	rdnAttr := form.Fields[0].Name
	vals := attrs[rdnAttr]
	if len(vals) == 0 || vals[0] == "" {
		return "", errs.Newf(errs.KindBadRequest, "field %q is required to derive the entry DN", rdnAttr)
	}
	base := form.BaseOU
	if base == "" {
		base = cluster.BaseDN
	}
	return fmt.Sprintf("%s=%s,%s", rdnAttr, vals[0], base), nil
}

// generatesUID reports whether the cluster's form allocates uid numbers,
// which is what makes a create conflict retryable.
func generatesUID(cluster config.Cluster) bool {
	if cluster.UserCreationForm == nil {
		return false
	}
	for _, f := range cluster.UserCreationForm.Fields {
		if f.AutoGenerate == gateway.AutoNextUID {
			return true
		}
	}
	return false
}

// Update replaces attribute values on an existing entry. Setting
// userPassword on a shadowAccount also refreshes shadowLastChange, the
// way password changes are expected to behave on POSIX directories.
func (s *Service) Update(ctx context.Context, clusterName, dn string, changes map[string][]string) error {
	cluster, err := s.cluster(clusterName)
	if err != nil {
		return err
	}
	if err := s.guardWritable(cluster); err != nil {
		return err
	}
	if len(changes) == 0 {
		return errs.New(errs.KindBadRequest, "no changes supplied")
	}

	if _, ok := changes["userPassword"]; ok {
		entry, err := s.gw.ReadEntry(ctx, cluster, selector.Write, dn, []string{"objectClass"})
		if err != nil {
			return err
		}
		if entry.Has("objectClass", "shadowAccount") {
			changes = cloneAttrs(changes)
			days := time.Now().UTC().Unix() / 86400
			changes["shadowLastChange"] = []string{strconv.FormatInt(days, 10)}
		}
	}

	err = s.gw.Modify(ctx, cluster, dn, changes)
	s.record(ctx, cluster.Name, dn, "update", err)
	return err
}

// Delete removes an entry from the cluster's write master.
func (s *Service) Delete(ctx context.Context, clusterName, dn string) error {
	cluster, err := s.cluster(clusterName)
	if err != nil {
		return err
	}
	if err := s.guardWritable(cluster); err != nil {
		return err
	}

	err = s.gw.Delete(ctx, cluster, dn)
	s.record(ctx, cluster.Name, dn, "delete", err)
	return err
}

func cloneAttrs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		vals := make([]string, len(v))
		copy(vals, v)
		out[k] = vals
	}
	return out
}
