package config

import (
	"fmt"
	"strings"
)

// validFieldTypes are the form field types the UI can render.
var validFieldTypes = map[string]bool{
	"text":     true,
	"email":    true,
	"password": true,
	"number":   true,
	"select":   true,
	"checkbox": true,
}

// validViews are the table_columns keys a cluster may customize.
var validViews = map[string]bool{
	"users":  true,
	"groups": true,
	"ous":    true,
}

// Validate checks the cluster list against the topology invariants:
// unique names, exactly one of host or nodes, ports in range, non-empty
// bind and base DNs, and well-formed form field declarations.
func Validate(clusters []Cluster) error {
	seen := make(map[string]bool, len(clusters))

	for i := range clusters {
		c := &clusters[i]
		if err := validateCluster(c); err != nil {
			return fmt.Errorf("cluster #%d (%q): %w", i+1, c.Name, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate cluster name %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

func validateCluster(c *Cluster) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("cluster name cannot be empty")
	}

	hasHost := strings.TrimSpace(c.Host) != ""
	hasNodes := len(c.Nodes) > 0
	if hasHost && hasNodes {
		return fmt.Errorf("cannot specify both host and nodes")
	}
	if !hasHost && !hasNodes {
		return fmt.Errorf("must specify either host or nodes")
	}

	if hasHost {
		if c.Port != 0 && !validPort(c.Port) {
			return fmt.Errorf("port %d out of range [1, 65535]", c.Port)
		}
	}
	for j, n := range c.Nodes {
		if strings.TrimSpace(n.Host) == "" {
			return fmt.Errorf("node #%d: host cannot be empty", j+1)
		}
		if !validPort(n.Port) {
			return fmt.Errorf("node #%d: port %d out of range [1, 65535]", j+1, n.Port)
		}
	}

	if strings.TrimSpace(c.BindDN) == "" {
		return fmt.Errorf("bind_dn cannot be empty")
	}
	if strings.TrimSpace(c.BaseDN) == "" {
		return fmt.Errorf("base_dn cannot be empty")
	}

	if c.UserCreationForm != nil {
		for j, f := range c.UserCreationForm.Fields {
			if err := validateField(f); err != nil {
				return fmt.Errorf("form field #%d (%q): %w", j+1, f.Name, err)
			}
		}
	}

	for view := range c.TableColumns {
		if !validViews[view] {
			return fmt.Errorf("invalid table_columns key %q", view)
		}
		for j, col := range c.TableColumns[view] {
			if strings.TrimSpace(col.Attribute) == "" {
				return fmt.Errorf("table_columns[%s] #%d: attribute cannot be empty", view, j+1)
			}
		}
	}

	if c.PasswordPolicy != nil && c.PasswordPolicy.MinLength < 0 {
		return fmt.Errorf("password_policy min_length cannot be negative")
	}
	return nil
}

func validateField(f FormField) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("field name cannot be empty")
	}
	if !validFieldTypes[f.Type] {
		return fmt.Errorf("invalid field type %q", f.Type)
	}
	if f.Type == "select" && len(f.Options) == 0 {
		return fmt.Errorf("select field requires options")
	}
	if f.Type != "select" && len(f.Options) > 0 {
		return fmt.Errorf("options only valid for select fields")
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
