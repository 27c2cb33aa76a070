package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"

	"github.com/cuemby/burrow/pkg/errs"
)

func TestMapLDAPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"invalid credentials", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bind")), errs.KindAuthFailed},
		{"no such object", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("search")), errs.KindNotFound},
		{"already exists", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("add")), errs.KindConflict},
		{"access denied", ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("mod")), errs.KindForbidden},
		{"objectclass violation", ldap.NewError(ldap.LDAPResultObjectClassViolation, errors.New("add")), errs.KindUnprocessable},
		{"constraint violation", ldap.NewError(ldap.LDAPResultConstraintViolation, errors.New("mod")), errs.KindUnprocessable},
		{"undefined attribute", ldap.NewError(ldap.LDAPResultUndefinedAttributeType, errors.New("add")), errs.KindUnprocessable},
		{"network error", ldap.NewError(ldap.ErrorNetwork, errors.New("broken pipe")), errs.KindUnavailable},
		{"context deadline", context.DeadlineExceeded, errs.KindTimeout},
		{"unknown", ldap.NewError(ldap.LDAPResultOther, errors.New("weird")), errs.KindInternal},
		{"already typed passes through", errs.New(errs.KindForbidden, "readonly"), errs.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapLDAPError("test", tt.err)
			if kind := errs.KindOf(got); kind != tt.want {
				t.Errorf("mapLDAPError() kind = %v, want %v", kind, tt.want)
			}
		})
	}
}

func TestIsConnError(t *testing.T) {
	if isConnError(nil) {
		t.Error("nil should not be a connection error")
	}
	if !isConnError(ldap.NewError(ldap.ErrorNetwork, errors.New("eof"))) {
		t.Error("network error should poison the connection")
	}
	if isConnError(ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("dup"))) {
		t.Error("server-side rejection should not poison the connection")
	}
	if !isConnError(context.DeadlineExceeded) {
		t.Error("deadline should poison the connection")
	}
}

func TestEntryHelpers(t *testing.T) {
	e := Entry{
		DN: "uid=alice,dc=test",
		Attributes: map[string][]string{
			"objectClass": {"inetOrgPerson", "posixAccount"},
			"uid":         {"alice"},
		},
	}
	if got := e.First("uid"); got != "alice" {
		t.Errorf("First() = %q", got)
	}
	if got := e.First("missing"); got != "" {
		t.Errorf("First(missing) = %q, want empty", got)
	}
	if !e.Has("objectClass", "posixAccount") {
		t.Error("Has() missed existing value")
	}
	if e.Has("objectClass", "device") {
		t.Error("Has() matched absent value")
	}
}
