package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clusters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
clusters:
  - name: corp
    description: Corporate directory
    nodes:
      - host: ldap1.corp.test
        port: 389
        name: primary
      - host: ldap2.corp.test
        port: 389
    bind_dn: cn=admin,dc=corp,dc=test
    base_dn: dc=corp,dc=test
    search_attributes: [uid, mail]
    table_columns:
      users:
        - attribute: uid
          label: Login
        - attribute: mail
          label: Mail
          visible: false
  - name: lab
    host: ldap.lab.test
    bind_dn: cn=admin,dc=lab,dc=test
    base_dn: dc=lab,dc=test
    readonly: true
`)

	store, err := Load(path)
	require.NoError(t, err)
	require.Len(t, store.Clusters(), 2)

	corp, ok := store.Cluster("corp")
	require.True(t, ok)
	assert.Len(t, corp.AllNodes(), 2)
	assert.Equal(t, "primary", corp.AllNodes()[0].Label())
	assert.Equal(t, "ldap2.corp.test:389", corp.AllNodes()[1].Label())
	assert.Equal(t, []string{"uid", "mail"}, corp.QueryAttributes())

	// Column defaults: visible defaults true, explicit false survives.
	cols := corp.TableColumns["users"]
	require.Len(t, cols, 2)
	assert.True(t, *cols[0].Visible)
	assert.True(t, *cols[0].Sortable)
	assert.False(t, *cols[1].Visible)

	lab, ok := store.Cluster("lab")
	require.True(t, ok)
	assert.True(t, lab.ReadOnly)
	// Single-host form becomes a one-node list with the default port.
	nodes := lab.AllNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "ldap.lab.test:389", nodes[0].Addr())
	assert.Equal(t, DefaultSearchAttributes, lab.QueryAttributes())

	_, ok = store.Cluster("nope")
	assert.False(t, ok)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
clusters:
  - name: broken
    host: ldap.test
    bind_dn: cn=admin,dc=test
    base_dn: ""
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_dn")
}

func TestReloadKeepsSnapshotOnError(t *testing.T) {
	path := writeConfig(t, `
clusters:
  - name: corp
    host: ldap.test
    bind_dn: cn=admin,dc=test
    base_dn: dc=test
`)
	store, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("clusters: [{name: ''}]"), 0o600))
	require.Error(t, store.Reload())

	// Previous snapshot still serves.
	_, ok := store.Cluster("corp")
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	valid := Cluster{
		Name:   "ok",
		Host:   "ldap.test",
		BindDN: "cn=admin,dc=test",
		BaseDN: "dc=test",
	}

	tests := []struct {
		name    string
		mutate  func(c *Cluster)
		wantErr string
	}{
		{"valid", func(c *Cluster) {}, ""},
		{"empty name", func(c *Cluster) { c.Name = " " }, "name cannot be empty"},
		{"host and nodes", func(c *Cluster) { c.Nodes = []Node{{Host: "x", Port: 389}} }, "both host and nodes"},
		{"neither host nor nodes", func(c *Cluster) { c.Host = "" }, "either host or nodes"},
		{"port out of range", func(c *Cluster) { c.Port = 70000 }, "out of range"},
		{"node without host", func(c *Cluster) {
			c.Host = ""
			c.Nodes = []Node{{Port: 389}}
		}, "host cannot be empty"},
		{"missing bind_dn", func(c *Cluster) { c.BindDN = "" }, "bind_dn"},
		{"missing base_dn", func(c *Cluster) { c.BaseDN = "" }, "base_dn"},
		{"bad field type", func(c *Cluster) {
			c.UserCreationForm = &Form{Fields: []FormField{{Name: "uid", Type: "slider"}}}
		}, "invalid field type"},
		{"select without options", func(c *Cluster) {
			c.UserCreationForm = &Form{Fields: []FormField{{Name: "shell", Type: "select"}}}
		}, "requires options"},
		{"options on text field", func(c *Cluster) {
			c.UserCreationForm = &Form{Fields: []FormField{{Name: "uid", Type: "text", Options: []string{"a"}}}}
		}, "only valid for select"},
		{"bad view key", func(c *Cluster) {
			c.TableColumns = map[string][]TableColumn{"machines": {{Attribute: "cn"}}}
		}, "invalid table_columns key"},
		{"negative min length", func(c *Cluster) {
			c.PasswordPolicy = &PasswordPolicy{MinLength: -1}
		}, "cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := Validate([]Cluster{c})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDuplicateNames(t *testing.T) {
	c := Cluster{Name: "dup", Host: "ldap.test", BindDN: "cn=a", BaseDN: "dc=t"}
	err := Validate([]Cluster{c, c})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate cluster name")
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test, https://b.test,")
	t.Setenv("LDAP_OP_TIMEOUT_S", "5")
	t.Setenv("PASSWORD_CACHE_TTL_S", "junk")

	s := SettingsFromEnv()
	assert.Equal(t, ":9090", s.ListenAddr)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, s.AllowedOrigins)
	assert.Equal(t, 5, int(s.OpTimeout.Seconds()))
	// Unparsable values fall back to defaults.
	assert.Equal(t, DefaultPasswordTTL, s.PasswordTTL)
}

func TestPolicyDefaults(t *testing.T) {
	c := Cluster{}
	p := c.Policy()
	assert.Equal(t, 0, p.MinLength)
	assert.True(t, p.RequireConfirmation)

	c.PasswordPolicy = &PasswordPolicy{MinLength: 12, RequireConfirmation: false}
	p = c.Policy()
	assert.Equal(t, 12, p.MinLength)
	assert.False(t, p.RequireConfirmation)
}
