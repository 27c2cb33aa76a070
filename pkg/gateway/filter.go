package gateway

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Escape renders user input safe for inclusion in a search filter,
// per RFC 4515.
func Escape(s string) string {
	return ldap.EscapeFilter(s)
}

// Equals builds an equality assertion with the value escaped.
func Equals(attr, value string) string {
	return "(" + attr + "=" + Escape(value) + ")"
}

// Contains builds a substring assertion with the value escaped. The
// wildcards are structural; the value itself never is.
func Contains(attr, value string) string {
	return "(" + attr + "=*" + Escape(value) + "*)"
}

// And conjoins filters, flattening the trivial cases.
func And(filters ...string) string {
	return combine("&", filters)
}

// Or disjoins filters, flattening the trivial cases.
func Or(filters ...string) string {
	return combine("|", filters)
}

func combine(op string, filters []string) string {
	parts := filters[:0:0]
	for _, f := range filters {
		if f != "" {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return "(" + op + strings.Join(parts, "") + ")"
	}
}

// View filters: which objectClasses constitute each browsable view.
const (
	FilterUsers  = "(|(objectClass=inetOrgPerson)(objectClass=posixAccount)(objectClass=account))"
	FilterGroups = "(|(objectClass=groupOfNames)(objectClass=groupOfUniqueNames)(objectClass=posixGroup))"
	FilterOUs    = "(objectClass=organizationalUnit)"
)

// ViewFilter maps a view name to its objectClass filter. Unknown views
// get the match-all filter.
func ViewFilter(view string) string {
	switch view {
	case "users":
		return FilterUsers
	case "groups":
		return FilterGroups
	case "ous":
		return FilterOUs
	default:
		return "(objectClass=*)"
	}
}
