package cel

import (
	"strings"
	"testing"

	"github.com/vaultgate/vaultgate/internal/domain/access"
)

func compileRule(t *testing.T, expr string) func(access.Request) bool {
	t.Helper()
	c, err := NewCompiler()
	if err != nil {
		t.Fatalf("new compiler: %v", err)
	}
	rule, err := c.CompileRule(expr)
	if err != nil {
		t.Fatalf("compile %q: %v", expr, err)
	}
	return rule
}

func TestCompileRuleClientPath(t *testing.T) {
	rule := compileRule(t, `client_path == "alice"`)

	alice := access.NewRequest([]byte("alice"), []access.Access{access.UseVault([]byte("v"))})
	bob := access.NewRequest([]byte("bob"), []access.Access{access.UseVault([]byte("v"))})

	if !rule(alice) {
		t.Error("expected alice to match")
	}
	if rule(bob) {
		t.Error("expected bob not to match")
	}
}

func TestCompileRuleCapabilities(t *testing.T) {
	// Read-only rule: allow only when no capability writes anything.
	rule := compileRule(t, `capabilities.all(c, c in ["use", "list", "read_store"])`)

	readOnly := access.NewRequest([]byte("alice"), []access.Access{
		access.ListVault([]byte("v")),
		access.ReadStore(),
	})
	writing := access.NewRequest([]byte("alice"), []access.Access{
		access.ListVault([]byte("v")),
		access.WriteVault([]byte("v")),
	})

	if !rule(readOnly) {
		t.Error("expected read-only request to pass")
	}
	if rule(writing) {
		t.Error("expected writing request to be rejected")
	}
}

func TestCompileRuleVaultPathGlob(t *testing.T) {
	rule := compileRule(t, `vault_paths.all(v, glob("public-*", v))`)

	public := access.NewRequest([]byte("alice"), []access.Access{access.UseVault([]byte("public-keys"))})
	private := access.NewRequest([]byte("alice"), []access.Access{access.UseVault([]byte("secrets"))})

	if !rule(public) {
		t.Error("expected public vault to match the glob")
	}
	if rule(private) {
		t.Error("expected private vault not to match")
	}
}

func TestCompileRuleStoreRequestHasNoVaultPaths(t *testing.T) {
	rule := compileRule(t, `vault_paths.size() == 0`)

	store := access.NewRequest([]byte("alice"), []access.Access{access.ReadStore()})
	vault := access.NewRequest([]byte("alice"), []access.Access{access.UseVault([]byte("v"))})

	if !rule(store) {
		t.Error("expected store-only request to carry no vault paths")
	}
	if rule(vault) {
		t.Error("expected vault request to carry a vault path")
	}
}

func TestValidateRejectsBadExpressions(t *testing.T) {
	c, err := NewCompiler()
	if err != nil {
		t.Fatalf("new compiler: %v", err)
	}

	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"too long", `client_path == "` + strings.Repeat("a", maxExpressionLength) + `"`},
		{"nesting too deep", strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)},
		{"syntax error", `client_path ==`},
		{"unknown variable", `user == "alice"`},
		{"non-boolean result", `client_path`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Validate(tt.expr); err == nil {
				t.Errorf("expected %q to be rejected", tt.expr)
			}
		})
	}
}
