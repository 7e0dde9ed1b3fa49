package updates

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func seedFinalized(t *testing.T, l *memLedger, stream string, ts int64, hasPatches bool, version string) {
	t.Helper()
	ctx := context.Background()
	id, err := l.Begin(ctx, stream, ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Finalize(ctx, id, hasPatches, version, nil); err != nil {
		t.Fatal(err)
	}
}

func TestResolverLatest(t *testing.T) {
	ledger := newMemLedger()
	seedFinalized(t, ledger, "app", 100, false, "1.0.0")
	seedFinalized(t, ledger, "app", 200, true, "1.1.0")

	r, err := NewResolver(ledger)
	if err != nil {
		t.Fatal(err)
	}

	latest, err := r.Latest(context.Background(), "app")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.Timestamp != 200 || latest.Version != "1.1.0" {
		t.Fatalf("Latest() = %d/%q", latest.Timestamp, latest.Version)
	}

	if _, err := r.Latest(context.Background(), "empty"); !errors.Is(err, ErrNoUpdates) {
		t.Fatalf("Latest(empty) error = %v, want ErrNoUpdates", err)
	}
}

func TestResolverHasNewer(t *testing.T) {
	ledger := newMemLedger()
	seedFinalized(t, ledger, "launcher", 150, false, "")

	r, err := NewResolver(ledger)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		name   string
		stream string
		since  int64
		want   bool
	}{
		{"older client", "launcher", 100, true},
		{"current client", "launcher", 150, false},
		{"future client", "launcher", 999, false},
		{"unknown history", "empty", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.HasNewer(ctx, tt.stream, tt.since)
			if err != nil {
				t.Fatalf("HasNewer() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("HasNewer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolverPatchesSince(t *testing.T) {
	ledger := newMemLedger()
	seedFinalized(t, ledger, "app", 100, false, "") // bootstrap, no patches
	seedFinalized(t, ledger, "app", 200, true, "")
	seedFinalized(t, ledger, "app", 300, false, "") // identical upload
	seedFinalized(t, ledger, "app", 400, true, "")

	r, err := NewResolver(ledger)
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.PatchesSince(context.Background(), "app", 100)
	if err != nil {
		t.Fatalf("PatchesSince() error = %v", err)
	}
	if want := []int64{200, 400}; !reflect.DeepEqual(got, want) {
		t.Fatalf("PatchesSince() = %v, want %v", got, want)
	}

	got, err = r.PatchesSince(context.Background(), "app", 400)
	if err != nil {
		t.Fatalf("PatchesSince() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("PatchesSince(400) = %v, want empty", got)
	}
}
