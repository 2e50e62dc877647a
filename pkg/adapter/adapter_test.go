package adapter_test

import (
	"context"
	"testing"

	"github.com/conveyorhq/conveyor/pkg/adapter"
)

type noopAdapter struct{}

func (noopAdapter) Load(_ context.Context, _ adapter.LoadContext, _ map[string]string,
	records []adapter.Record) (adapter.LoadResult, error) {
	return adapter.LoadResult{Succeeded: len(records)}, nil
}

func TestRegistryGetMissIsNotAnError(t *testing.T) {
	t.Parallel()
	reg := adapter.NewRegistry()
	if _, ok := reg.Get("load", "crm.contacts"); ok {
		t.Fatal("empty registry must miss")
	}

	reg.Register("load", "crm.contacts", noopAdapter{})
	a, ok := reg.Get("load", "crm.contacts")
	if !ok || a == nil {
		t.Fatal("registered adapter must resolve")
	}
	if _, ok := reg.Get("export", "crm.contacts"); ok {
		t.Fatal("kind is part of the key")
	}
	if got := len(reg.Codes()); got != 1 {
		t.Fatalf("codes = %d, want 1", got)
	}
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("CONVEYOR_CRM_API_KEY", "abc123")

	r := adapter.EnvResolver{Prefix: "CONVEYOR_"}
	ctx := context.Background()

	v, err := r.Get(ctx, "crm.api-key")
	if err != nil || v != "abc123" {
		t.Fatalf("Get = %q, %v", v, err)
	}

	// An unconfigured code is empty, not an error.
	v, err = r.Get(ctx, "missing")
	if err != nil || v != "" {
		t.Fatalf("Get(missing) = %q, %v", v, err)
	}
	if _, err := r.GetRequired(ctx, "missing"); err == nil {
		t.Fatal("GetRequired must fail for an unset secret")
	}
	if _, err := r.Connection(ctx, "missing"); err == nil {
		t.Fatal("Connection must fail for an unset code")
	}
}
