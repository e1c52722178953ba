package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/image-gateway/internal/providers"
	"github.com/nulpointcorp/image-gateway/internal/providers/providertest"
	"github.com/nulpointcorp/image-gateway/internal/store"
)

func newRegistry(t *testing.T, ps ...*providertest.Fake) *Registry {
	t.Helper()
	r := New(store.NewMemory(), nil)
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.Name(), err)
		}
	}
	return r
}

func TestRegisterPreservesOrderAndRejectsDuplicates(t *testing.T) {
	a := providertest.New("a", "m1")
	b := providertest.New("b", "m2")
	r := newRegistry(t, b, a)

	names := r.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Fatalf("Names = %v, want [b a]", names)
	}

	if err := r.Register(providertest.New("a")); !errors.Is(err, ErrDuplicateProvider) {
		t.Fatalf("err = %v, want ErrDuplicateProvider", err)
	}
}

func TestEnabledFlag(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t, providertest.New("a"), providertest.New("b"))

	if !r.IsEnabled(ctx, "a") {
		t.Fatal("providers start enabled")
	}
	if err := r.SetEnabled(ctx, "a", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if r.IsEnabled(ctx, "a") {
		t.Fatal("expected a to be disabled")
	}

	enabled := r.Enabled(ctx)
	if len(enabled) != 1 || enabled[0].Name() != "b" {
		t.Fatalf("Enabled = %v, want only b", enabled)
	}

	if err := r.SetEnabled(ctx, "missing", true); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
	if r.IsEnabled(ctx, "missing") {
		t.Fatal("unknown providers are never enabled")
	}
}

func TestForTaskFiltersByCapability(t *testing.T) {
	ctx := context.Background()
	textOnly := providertest.New("text-only", "m1")
	editor := providertest.New("editor", "m2")
	editor.Desc.Capabilities.ImageToImage = true

	r := newRegistry(t, textOnly, editor)

	got := r.ForTask(ctx, providers.TaskEdit)
	if len(got) != 1 || got[0].Name() != "editor" {
		t.Fatalf("ForTask(edit) = %v, want [editor]", got)
	}
	if got := r.ForTask(ctx, providers.TaskText); len(got) != 2 {
		t.Fatalf("ForTask(text) returned %d providers, want 2", len(got))
	}
}

func TestSupportsAnonymousAndFormat(t *testing.T) {
	anon := providertest.New("hf")
	anon.Desc.Capabilities.Anonymous = true
	anon.KeyPrefix = "hf_"
	r := newRegistry(t, anon, providertest.New("other"))

	if !r.SupportsAnonymous("hf") || r.SupportsAnonymous("other") || r.SupportsAnonymous("missing") {
		t.Fatal("SupportsAnonymous mismatch")
	}
	if !r.DetectCredentialFormat("hf", "hf_abc") || r.DetectCredentialFormat("hf", "sk-abc") {
		t.Fatal("DetectCredentialFormat mismatch")
	}
}

func TestModels(t *testing.T) {
	p := providertest.New("a", "m1", "m2")
	p.Desc.Config.EditModels = []string{"m2"}
	r := newRegistry(t, p)

	models := r.Models(context.Background())
	if len(models) != 2 {
		t.Fatalf("Models returned %d entries, want 2", len(models))
	}
	if len(models[1].Tasks) != 2 {
		t.Fatalf("m2 tasks = %v, want text and edit", models[1].Tasks)
	}
}

// offlineStore fails every read.
type offlineStore struct{}

func (offlineStore) Snapshot(context.Context) (*store.Snapshot, error) {
	return nil, errors.New("connection refused")
}

func (offlineStore) SetProviderEnabled(context.Context, string, bool) error {
	return errors.New("connection refused")
}

func TestStoreOutageKeepsProvidersEnabled(t *testing.T) {
	ctx := context.Background()
	r := New(offlineStore{}, nil)
	for _, name := range []string{"a", "b"} {
		if err := r.Register(providertest.New(name)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if !r.IsEnabled(ctx, "a") {
		t.Fatal("a store outage must not disable providers")
	}
	if got := r.ForTask(ctx, providers.TaskText); len(got) != 2 {
		t.Fatalf("ForTask returned %d providers, want 2", len(got))
	}
}

func TestForTaskInUsesGivenSnapshot(t *testing.T) {
	r := newRegistry(t, providertest.New("a"), providertest.New("b"))

	snap := store.NewSnapshot()
	snap.ProviderEnabled["a"] = false

	got := r.ForTaskIn(snap, providers.TaskText)
	if len(got) != 1 || got[0].Name() != "b" {
		t.Fatalf("ForTaskIn = %v, want only b", got)
	}
}
