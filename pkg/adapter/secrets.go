package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretResolver resolves secret codes to values. Implementations must not
// panic; a failed resolution is an error the caller logs and survives, and
// the call proceeds unauthenticated unless the adapter requires the secret.
type SecretResolver interface {
	// Get returns the secret value, or "" with a nil error when the code
	// is simply not configured.
	Get(ctx context.Context, code string) (string, error)
	// GetRequired returns an error when the code cannot be resolved.
	GetRequired(ctx context.Context, code string) (string, error)
}

// ConnectionResolver resolves named connection references (DSNs, base URLs)
// for adapters that talk to preconfigured systems.
type ConnectionResolver interface {
	Connection(ctx context.Context, code string) (string, error)
}

// EnvResolver resolves secrets and connections from environment variables.
// A code "api-key" is looked up as "<prefix>API_KEY".
type EnvResolver struct {
	Prefix string
}

func envName(prefix, code string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(code))
	return prefix + name
}

func (r EnvResolver) Get(_ context.Context, code string) (string, error) {
	return os.Getenv(envName(r.Prefix, code)), nil
}

func (r EnvResolver) GetRequired(ctx context.Context, code string) (string, error) {
	v, _ := r.Get(ctx, code)
	if v == "" {
		return "", fmt.Errorf("secret %q not set (env %s)", code, envName(r.Prefix, code))
	}
	return v, nil
}

func (r EnvResolver) Connection(_ context.Context, code string) (string, error) {
	v := os.Getenv(envName(r.Prefix, code))
	if v == "" {
		return "", fmt.Errorf("connection %q not set (env %s)", code, envName(r.Prefix, code))
	}
	return v, nil
}
