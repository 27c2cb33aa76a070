package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errs"
)

func TestNeedsValue(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string][]string
		want  bool
	}{
		{"absent", map[string][]string{}, true},
		{"empty list", map[string][]string{"uidNumber": {}}, true},
		{"empty string", map[string][]string{"uidNumber": {""}}, true},
		{"whitespace", map[string][]string{"uidNumber": {"  "}}, true},
		{"auto marker", map[string][]string{"uidNumber": {"auto"}}, true},
		{"auto marker caps", map[string][]string{"uidNumber": {"AUTO"}}, true},
		{"explicit value wins", map[string][]string{"uidNumber": {"4242"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsValue(tt.attrs, "uidNumber"); got != tt.want {
				t.Errorf("needsValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandTemplate(t *testing.T) {
	attrs := map[string][]string{
		"givenName": {"Alice"},
		"sn":        {"Smith"},
		"uid":       {"asmith"},
	}

	tests := []struct {
		name    string
		tpl     string
		want    string
		wantErr bool
	}{
		{"no placeholders", "bash", "bash", false},
		{"single", "${uid}@corp.test", "asmith@corp.test", false},
		{"multiple", "${givenName} ${sn}", "Alice Smith", false},
		{"home dir", "/home/${uid}", "/home/asmith", false},
		{"missing field", "${nickname}@corp.test", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandTemplate(tt.tpl, attrs)
			if tt.wantErr {
				if !errs.IsKind(err, errs.KindBadRequest) {
					t.Fatalf("expandTemplate() error = %v, want bad_request", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expandTemplate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("expandTemplate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithUIDLockSerializes(t *testing.T) {
	g := testGateway(t)

	const workers = 10
	active := 0
	maxActive := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.WithUIDLock("corp", func() error {
				active++
				if active > maxActive {
					maxActive = active
				}
				time.Sleep(time.Millisecond)
				active--
				return nil
			})
		}()
	}
	wg.Wait()

	// The counter is unguarded on purpose: only the lock keeps it sane.
	if maxActive != 1 {
		t.Errorf("observed %d concurrent critical sections, want 1", maxActive)
	}
}

func TestWithUIDLockIndependentClusters(t *testing.T) {
	g := testGateway(t)
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = g.WithUIDLock("corp", func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	// A different cluster's lock must not block behind corp's.
	done := make(chan struct{})
	go func() {
		_ = g.WithUIDLock("lab", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lab lock blocked behind corp lock")
	}
	close(release)
}
