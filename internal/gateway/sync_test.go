package gateway

import (
	"context"
	"testing"

	"github.com/bounceapp/bounce/internal/datastore"
)

func TestNormalizeBundleVersionPadsForLexicalOrdering(t *testing.T) {
	v239 := normalizeBundleVersion("2.3.9")
	v2310 := normalizeBundleVersion("2.3.10")
	v2100 := normalizeBundleVersion("2.10.0")

	if v2310 != "00002.00003.00010" {
		t.Fatalf("unexpected normalization: %q", v2310)
	}
	if !(v2310 > v239) {
		t.Fatalf("expected 2.3.10 > 2.3.9 lexically, got %q vs %q", v2310, v239)
	}
	if !(v2100 > v2310) {
		t.Fatalf("expected 2.10.0 > 2.3.10 lexically, got %q vs %q", v2100, v2310)
	}
}

func TestNormalizeBundleVersionMalformedReturnsEmpty(t *testing.T) {
	for _, bundle := range []string{"", "1.2", "1.2.3.4", "a.b.c", "1.-2.3", "1.2.x"} {
		if got := normalizeBundleVersion(bundle); got != "" {
			t.Fatalf("expected %q to normalize empty, got %q", bundle, got)
		}
	}
}

func TestVersionSelectionHonorsBundleRange(t *testing.T) {
	store := datastore.NewMemory()
	app := store.AddApp("myapp", "My App", true)
	store.AddVersion(app.ID, 1, "", "")
	store.AddVersion(app.ID, 2, normalizeBundleVersion("2.0.0"), normalizeBundleVersion("2.9.0"))
	store.AddVersion(app.ID, 3, normalizeBundleVersion("3.0.0"), "")

	version, err := store.AppVersionForBundle(context.Background(), app.ID, normalizeBundleVersion("2.3.10"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2 for bundle 2.3.10, got %d", version)
	}

	version, err = store.AppVersionForBundle(context.Background(), app.ID, normalizeBundleVersion("3.1.0"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected version 3 for bundle 3.1.0, got %d", version)
	}
}

func TestMalformedBundleDisablesRangeFilter(t *testing.T) {
	store := datastore.NewMemory()
	app := store.AddApp("myapp", "My App", true)
	store.AddVersion(app.ID, 2, normalizeBundleVersion("2.0.0"), normalizeBundleVersion("2.9.0"))
	store.AddVersion(app.ID, 5, normalizeBundleVersion("9.0.0"), "")

	version, err := store.AppVersionForBundle(context.Background(), app.ID, normalizeBundleVersion("not-a-version"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if version != 5 {
		t.Fatalf("expected latest version 5 when range filtering is disabled, got %d", version)
	}
}

func TestVersionSelectionDefaultsToZeroWhenNothingMatches(t *testing.T) {
	store := datastore.NewMemory()
	app := store.AddApp("myapp", "My App", true)
	store.AddVersion(app.ID, 2, normalizeBundleVersion("5.0.0"), "")

	version, err := store.AppVersionForBundle(context.Background(), app.ID, normalizeBundleVersion("1.0.0"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if version != 0 {
		t.Fatalf("expected unversioned fallback 0, got %d", version)
	}
}
