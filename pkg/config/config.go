package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultLDAPPort is used for single-host clusters that omit the port.
const DefaultLDAPPort = 389

// Node is a single LDAP server within a cluster. Position in the cluster's
// node list carries meaning: index 0 is the write master.
type Node struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Addr returns the host:port form used for probing and logging.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Label returns the configured node name, falling back to host:port.
func (n Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Addr()
}

// FormField describes one field of the declarative user-creation form.
type FormField struct {
	Name         string   `yaml:"name" json:"name"`
	Label        string   `yaml:"label" json:"label"`
	Type         string   `yaml:"type" json:"type"`
	Required     bool     `yaml:"required" json:"required"`
	Default      string   `yaml:"default,omitempty" json:"default,omitempty"`
	AutoGenerate string   `yaml:"auto_generate,omitempty" json:"auto_generate,omitempty"`
	Options      []string `yaml:"options,omitempty" json:"options,omitempty"`
	Placeholder  string   `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	HelpText     string   `yaml:"help_text,omitempty" json:"help_text,omitempty"`
}

// Form is the declarative user-creation template for a cluster.
type Form struct {
	BaseOU string      `yaml:"base_ou,omitempty" json:"base_ou,omitempty"`
	Fields []FormField `yaml:"fields" json:"fields"`
}

// TableColumn describes one column of a per-view entry table.
type TableColumn struct {
	Attribute string `yaml:"attribute" json:"attribute"`
	Label     string `yaml:"label" json:"label"`
	Visible   *bool  `yaml:"visible,omitempty" json:"visible"`
	Sortable  *bool  `yaml:"sortable,omitempty" json:"sortable"`
}

// PasswordPolicy constrains passwords set through the gateway.
type PasswordPolicy struct {
	MinLength           int  `yaml:"min_length" json:"min_length"`
	RequireConfirmation bool `yaml:"require_confirmation" json:"require_confirmation"`
}

// Cluster is a named directory endpoint: either a single host or an
// ordered multi-master node list, plus bind identity and per-cluster
// policy. Loaded once at startup and treated as immutable; reloads swap
// the whole snapshot.
type Cluster struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Single-node form
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// Multi-node form
	Nodes []Node `yaml:"nodes,omitempty" json:"nodes,omitempty"`

	BindDN   string `yaml:"bind_dn" json:"bind_dn"`
	BaseDN   string `yaml:"base_dn" json:"base_dn"`
	ReadOnly bool   `yaml:"readonly" json:"readonly"`

	// Attributes matched by the search box; defaults to uid, cn, mail, sn.
	SearchAttributes []string `yaml:"search_attributes,omitempty" json:"search_attributes,omitempty"`

	UserCreationForm *Form                    `yaml:"user_creation_form,omitempty" json:"user_creation_form,omitempty"`
	TableColumns     map[string][]TableColumn `yaml:"table_columns,omitempty" json:"table_columns,omitempty"`
	PasswordPolicy   *PasswordPolicy          `yaml:"password_policy,omitempty" json:"password_policy,omitempty"`
}

// DefaultSearchAttributes are matched by the list query when the cluster
// does not configure its own set.
var DefaultSearchAttributes = []string{"uid", "cn", "mail", "sn"}

// AllNodes returns the cluster's nodes in declared order. A single-host
// cluster is presented as a one-node list so callers never branch on the
// configuration form.
func (c *Cluster) AllNodes() []Node {
	if c.Host != "" {
		port := c.Port
		if port == 0 {
			port = DefaultLDAPPort
		}
		return []Node{{Host: c.Host, Port: port}}
	}
	nodes := make([]Node, len(c.Nodes))
	copy(nodes, c.Nodes)
	return nodes
}

// WriteNode returns node index 0, the designated write master.
func (c *Cluster) WriteNode() Node {
	return c.AllNodes()[0]
}

// QueryAttributes returns the configured search attributes or the default
// set.
func (c *Cluster) QueryAttributes() []string {
	if len(c.SearchAttributes) > 0 {
		return c.SearchAttributes
	}
	return DefaultSearchAttributes
}

// Policy returns the effective password policy, applying defaults when
// the cluster does not define one.
func (c *Cluster) Policy() PasswordPolicy {
	if c.PasswordPolicy != nil {
		return *c.PasswordPolicy
	}
	return PasswordPolicy{MinLength: 0, RequireConfirmation: true}
}

type file struct {
	Clusters []Cluster `yaml:"clusters"`
}

// Store holds the validated cluster topology. It is safe for concurrent
// readers; Reload swaps the snapshot atomically under the write lock.
type Store struct {
	path string

	mu       sync.RWMutex
	clusters []Cluster
	byName   map[string]*Cluster
}

// Load reads and validates the cluster configuration file. Validation
// failures are fatal by contract: the process must not start degraded.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the configuration file and swaps the snapshot. On any
// error the previous snapshot stays in effect.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", s.path, err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", s.path, err)
	}

	if err := Validate(f.Clusters); err != nil {
		return err
	}

	byName := make(map[string]*Cluster, len(f.Clusters))
	for i := range f.Clusters {
		normalize(&f.Clusters[i])
		byName[f.Clusters[i].Name] = &f.Clusters[i]
	}

	s.mu.Lock()
	s.clusters = f.Clusters
	s.byName = byName
	s.mu.Unlock()
	return nil
}

// Cluster looks up a cluster by name. The returned value is a copy.
func (s *Store) Cluster(name string) (Cluster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byName[name]
	if !ok {
		return Cluster{}, false
	}
	return *c, true
}

// Clusters returns a copy of the configured cluster list in file order.
func (s *Store) Clusters() []Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Cluster, len(s.clusters))
	copy(out, s.clusters)
	return out
}

// normalize fills derived defaults after validation: column visibility
// and sortability default to true when omitted.
func normalize(c *Cluster) {
	for view := range c.TableColumns {
		cols := c.TableColumns[view]
		for i := range cols {
			if cols[i].Visible == nil {
				v := true
				cols[i].Visible = &v
			}
			if cols[i].Sortable == nil {
				v := true
				cols[i].Sortable = &v
			}
		}
	}
}
