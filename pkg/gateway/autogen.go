package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errs"
	"github.com/cuemby/burrow/pkg/selector"
)

// Auto-generation strategies recognized in form field definitions.
const (
	AutoNextUID        = "next_uid"
	AutoDaysSinceEpoch = "days_since_epoch"

	// MinUID is the floor for allocated POSIX uid numbers; everything
	// below is reserved for system accounts.
	MinUID = 2000
)

var placeholderPat = regexp.MustCompile(`\$\{([^}]+)\}`)

// uidLock returns the per-cluster mutex serializing uid allocation.
func (g *Gateway) uidLock(cluster string) *sync.Mutex {
	g.uidMu.Lock()
	defer g.uidMu.Unlock()
	l, ok := g.uidLocks[cluster]
	if !ok {
		l = &sync.Mutex{}
		g.uidLocks[cluster] = l
	}
	return l
}

// WithUIDLock runs fn while holding the cluster's uid allocation lock,
// so a next-uid read and the add that consumes it cannot interleave with
// a concurrent allocation on the same cluster.
func (g *Gateway) WithUIDLock(cluster string, fn func() error) error {
	l := g.uidLock(cluster)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// NextUID scans the cluster for the highest uidNumber and returns one
// above it, never below MinUID. Call under WithUIDLock.
func (g *Gateway) NextUID(ctx context.Context, cluster config.Cluster) (int, error) {
	entries, err := g.Search(ctx, cluster, selector.Write, cluster.BaseDN,
		"(objectClass=posixAccount)", []string{"uidNumber"}, 0)
	if err != nil {
		return 0, err
	}

	max := MinUID - 1
	for _, e := range entries {
		n, err := strconv.Atoi(e.First("uidNumber"))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// ResolvePlaceholders fills auto-generated and templated attribute
// values declared on the cluster's creation form. A field is resolved
// only when the caller left it empty or set to "auto"; explicit values
// always win. Call under WithUIDLock when the form allocates uids.
func (g *Gateway) ResolvePlaceholders(ctx context.Context, cluster config.Cluster, attrs map[string][]string) error {
	form := cluster.UserCreationForm
	if form == nil {
		return nil
	}

	for _, field := range form.Fields {
		if field.AutoGenerate == "" && field.Default == "" {
			continue
		}
		if !needsValue(attrs, field.Name) {
			continue
		}

		var value string
		switch {
		case field.AutoGenerate == AutoNextUID:
			uid, err := g.NextUID(ctx, cluster)
			if err != nil {
				return err
			}
			value = strconv.Itoa(uid)
		case field.AutoGenerate == AutoDaysSinceEpoch:
			value = strconv.FormatInt(time.Now().UTC().Unix()/86400, 10)
		case field.AutoGenerate != "":
			return errs.Newf(errs.KindBadRequest, "unknown auto-generation strategy %q for field %q", field.AutoGenerate, field.Name)
		default:
			expanded, err := expandTemplate(field.Default, attrs)
			if err != nil {
				return err
			}
			value = expanded
		}
		attrs[field.Name] = []string{value}
	}
	return nil
}

// needsValue reports whether a field still wants resolution: absent,
// empty, or the explicit "auto" marker.
func needsValue(attrs map[string][]string, name string) bool {
	vals, ok := attrs[name]
	if !ok || len(vals) == 0 {
		return true
	}
	v := strings.TrimSpace(vals[0])
	return v == "" || strings.EqualFold(v, "auto")
}

// expandTemplate substitutes ${field} references with already-supplied
// attribute values. Referencing a missing field is a caller error.
func expandTemplate(tpl string, attrs map[string][]string) (string, error) {
	if !strings.Contains(tpl, "${") {
		return tpl, nil
	}

	var missing string
	out := placeholderPat.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderPat.FindStringSubmatch(m)[1]
		if vals, ok := attrs[name]; ok && len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
		if missing == "" {
			missing = name
		}
		return ""
	})
	if missing != "" {
		return "", errs.New(errs.KindBadRequest, fmt.Sprintf("template references field %q which has no value", missing))
	}
	return out, nil
}
