package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fedresolve/pkg/caller"
)

const testSecret = "0123456789abcdef0123456789abcdef"

const testCatalog = `
sources:
  - name: SourceA
    kind: static
    priority: 1
    types: [customer]
    fallback: SourceB
    records:
      customer:
        42: {name: Ada, score: 710, email: ada@example.com}
  - name: SourceB
    kind: static
    priority: 2
    types: [customer]
    records:
      customer:
        42: {income: 85000}
        7: {name: Grace}
  - name: Ratings
    kind: external_rating
    priority: 3
    types: [risk]
    ratings:
      - {entity_id: 42, agency: acme, grade: A, score: 0.82}
defaults:
  product:
    name: generic product
`

func setupCatalog(t *testing.T, catalog string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fedresolve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))

	t.Setenv("FEDRESOLVE_CONFIG", path)
	t.Setenv("FEDRESOLVE_SQLITE_PATH", filepath.Join(dir, "receipts.db"))
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("FEDRESOLVE_TOKEN_SECRET", testSecret)
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"fedresolve"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

type resolvedJSON struct {
	EntityType   string         `json:"entity_type"`
	EntityID     int64          `json:"entity_id"`
	Payload      map[string]any `json:"payload"`
	MaskedFields []string       `json:"masked_fields"`
	Sources      []string       `json:"sources"`
	Defaulted    bool           `json:"defaulted"`
}

func decodeResolved(t *testing.T, out string) resolvedJSON {
	t.Helper()
	var r resolvedJSON
	require.NoError(t, json.Unmarshal([]byte(out), &r), out)
	return r
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	for _, cmd := range []string{"resolve", "chains", "sources", "health", "receipts"} {
		assert.Contains(t, out, cmd)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("teleport")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: teleport")

	assert.Equal(t, 2, Run([]string{"fedresolve"}, &bytes.Buffer{}, &bytes.Buffer{}))
}

func TestResolve_AdminSeesEverything(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, out, errOut := run("resolve", "customer", "42", "--role", "admin")
	require.Equal(t, 0, code, errOut)

	r := decodeResolved(t, out)
	assert.Equal(t, "customer", r.EntityType)
	assert.Equal(t, int64(42), r.EntityID)
	assert.Equal(t, "Ada", r.Payload["name"])
	assert.EqualValues(t, 710, r.Payload["score"])
	assert.Equal(t, "ada@example.com", r.Payload["email"])
	assert.Equal(t, []string{"SourceA"}, r.Sources)
}

func TestResolve_UserIsMasked(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, out, errOut := run("resolve", "--role", "user", "customer", "42")
	require.Equal(t, 0, code, errOut)

	r := decodeResolved(t, out)
	assert.NotContains(t, r.Payload, "score")
	assert.NotContains(t, r.Payload, "email")
	assert.Contains(t, r.MaskedFields, "score")
	assert.Contains(t, r.MaskedFields, "email")
}

func TestResolve_AllModeMergesSources(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, out, errOut := run("resolve", "customer", "42", "--role", "admin", "--mode", "all", "--strategy", "most_recent")
	require.Equal(t, 0, code, errOut)

	r := decodeResolved(t, out)
	assert.Equal(t, "Ada", r.Payload["name"])
	assert.EqualValues(t, 85000, r.Payload["income"])
	assert.ElementsMatch(t, []string{"SourceA", "SourceB"}, r.Sources)
}

func TestResolve_FallsBackAlongChain(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, out, errOut := run("resolve", "customer", "7", "--role", "admin")
	require.Equal(t, 0, code, errOut)
	r := decodeResolved(t, out)
	assert.Equal(t, "Grace", r.Payload["name"])
	assert.Equal(t, []string{"SourceB"}, r.Sources)
}

func TestResolve_NotFoundAndDefault(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, _, errOut := run("resolve", "customer", "999")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")

	code, out, errOut := run("resolve", "product", "5", "--role", "admin")
	require.Equal(t, 0, code, errOut)
	r := decodeResolved(t, out)
	assert.True(t, r.Defaulted)
	assert.Equal(t, "generic product", r.Payload["name"])
}

func TestResolve_UsageErrors(t *testing.T) {
	setupCatalog(t, testCatalog)

	tests := []struct {
		name string
		args []string
	}{
		{"missing id", []string{"resolve", "customer"}},
		{"non-numeric id", []string{"resolve", "customer", "abc"}},
		{"bad mode", []string{"resolve", "customer", "42", "--mode", "sometimes"}},
		{"bad strategy", []string{"resolve", "customer", "42", "--strategy", "loudest"}},
		{"bad token", []string{"resolve", "customer", "42", "--token", "not-a-jwt"}},
		{"unknown flag", []string{"resolve", "customer", "42", "--colour", "red"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := run(tt.args...)
			assert.Equal(t, 2, code)
		})
	}
}

func TestResolve_WithToken(t *testing.T) {
	setupCatalog(t, testCatalog)

	claims := caller.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			ID:        "req-token-1",
		},
		Role: "admin",
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	// The token's role wins over --role.
	code, out, errOut := run("resolve", "customer", "42", "--role", "user", "--token", tok)
	require.Equal(t, 0, code, errOut)
	r := decodeResolved(t, out)
	assert.EqualValues(t, 710, r.Payload["score"])

	code, out, _ = run("receipts", "--type", "customer", "--id", "42", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "req-token-1")
}

func TestChains(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, out, errOut := run("chains")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "customer: SourceA -> SourceB")
	assert.Contains(t, out, "risk: Ratings")

	code, out, _ = run("chains", "customer")
	require.Equal(t, 0, code)
	assert.Equal(t, "customer: SourceA -> SourceB", strings.TrimSpace(out))
}

func TestSources(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, out, errOut := run("sources", "--json")
	require.Equal(t, 0, code, errOut)

	var rows []sourceRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "SourceA", rows[0].Name)
	assert.Equal(t, "SourceB", rows[0].Fallback)
	assert.Equal(t, "external_rating", rows[2].Kind)

	code, out, _ = run("sources")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Ratings")
}

func TestHealth(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, out, errOut := run("health")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "SourceA")
	assert.Contains(t, out, "true")
}

func TestReceipts(t *testing.T) {
	setupCatalog(t, testCatalog)

	code, _, _ := run("resolve", "customer", "42", "--role", "user")
	require.Equal(t, 0, code)
	code, _, _ = run("resolve", "customer", "999")
	require.Equal(t, 1, code)

	code, out, errOut := run("receipts", "--json", "--limit", "10")
	require.Equal(t, 0, code, errOut)

	var list []struct {
		EntityID     int64    `json:"entity_id"`
		Outcome      string   `json:"outcome"`
		MaskedFields []string `json:"masked_fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.Equal(t, int64(999), list[0].EntityID)
	assert.Equal(t, "NOT_FOUND", list[0].Outcome)
	assert.Equal(t, "RESOLVED", list[1].Outcome)
	assert.Contains(t, list[1].MaskedFields, "score")

	code, _, _ = run("receipts", "--type", "customer", "--id", "1")
	assert.Equal(t, 1, code)
	code, _, _ = run("receipts", "--type", "customer")
	assert.Equal(t, 2, code)
}

func TestMissingCatalog(t *testing.T) {
	dir := setupCatalog(t, testCatalog)
	t.Setenv("FEDRESOLVE_CONFIG", filepath.Join(dir, "absent.yaml"))

	code, _, errOut := run("sources")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "absent.yaml")
}

func TestInvalidCatalog(t *testing.T) {
	setupCatalog(t, "sources:\n  - {name: A, kind: teleport, types: [customer]}\n")

	code, _, errOut := run("chains")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown kind")
}
