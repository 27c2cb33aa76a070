package gateway

import "github.com/go-ldap/ldap/v3"

// Entry is a directory entry in transport-neutral form.
type Entry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
}

// First returns the first value of an attribute, or "" when absent.
func (e Entry) First(attr string) string {
	if vals := e.Attributes[attr]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Has reports whether the attribute carries the given value.
func (e Entry) Has(attr, value string) bool {
	for _, v := range e.Attributes[attr] {
		if v == value {
			return true
		}
	}
	return false
}

func entryFromLDAP(e *ldap.Entry) Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Name] = a.Values
	}
	return Entry{DN: e.DN, Attributes: attrs}
}
