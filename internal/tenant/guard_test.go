package tenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"process-sentinel/internal/auth"
)

func TestApplyWithExistingWhere(t *testing.T) {
	g := NewGuard("tenant_id")
	out, err := g.Apply(`SELECT * FROM users WHERE status = 'active'`, "T42")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM users WHERE tenant_id = :tenant_id AND status = 'active'`, out)
}

func TestApplyWithOrderByOnly(t *testing.T) {
	g := NewGuard("tenant_id")
	out, err := g.Apply(`SELECT * FROM users ORDER BY id`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM users WHERE tenant_id = :tenant_id ORDER BY id`, out)
}

func TestApplyWithGroupByOnly(t *testing.T) {
	g := NewGuard("tenant_id")
	out, err := g.Apply(`SELECT status, COUNT(*) FROM processes GROUP BY status`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT status, COUNT(*) FROM processes WHERE tenant_id = :tenant_id GROUP BY status`, out)
}

func TestApplyAppendsWhenNoKeyword(t *testing.T) {
	g := NewGuard("tenant_id")
	out, err := g.Apply(`SELECT * FROM users`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM users WHERE tenant_id = :tenant_id`, out)

	out, err = g.Apply("SELECT * FROM users\n", "T1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM users WHERE tenant_id = :tenant_id", out)
}

func TestApplyIsCaseInsensitive(t *testing.T) {
	g := NewGuard("tenant_id")
	out, err := g.Apply(`select * from users where status = 1`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `select * from users where tenant_id = :tenant_id AND status = 1`, out)

	out, err = g.Apply(`select * from users Order   By id`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `select * from users WHERE tenant_id = :tenant_id Order   By id`, out)
}

func TestApplySkipsQuotedLiterals(t *testing.T) {
	g := NewGuard("tenant_id")

	out, err := g.Apply(`SELECT 'WHERE' AS kw FROM dual`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT 'WHERE' AS kw FROM dual WHERE tenant_id = :tenant_id`, out)

	out, err = g.Apply(`SELECT * FROM "WHERE" ORDER BY id`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "WHERE" WHERE tenant_id = :tenant_id ORDER BY id`, out)

	out, err = g.Apply(`SELECT 'it''s ORDER BY nothing' FROM dual`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT 'it''s ORDER BY nothing' FROM dual WHERE tenant_id = :tenant_id`, out)
}

func TestApplyRespectsWordBoundaries(t *testing.T) {
	g := NewGuard("tenant_id")

	out, err := g.Apply(`SELECT * FROM whereabouts`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM whereabouts WHERE tenant_id = :tenant_id`, out)

	out, err = g.Apply(`SELECT orderby FROM t`, "T1")
	require.NoError(t, err)
	assert.Equal(t, `SELECT orderby FROM t WHERE tenant_id = :tenant_id`, out)
}

func TestApplyMisuse(t *testing.T) {
	g := NewGuard("tenant_id")

	_, err := g.Apply("", "T1")
	assert.ErrorIs(t, err, ErrGuardMisuse)

	_, err = g.Apply("   ", "T1")
	assert.ErrorIs(t, err, ErrGuardMisuse)

	_, err = g.Apply("SELECT * FROM users", "")
	assert.ErrorIs(t, err, ErrGuardMisuse)

	_, err = g.Apply(`SELECT * FROM t WHERE name = 'unterminated`, "T1")
	assert.ErrorIs(t, err, ErrGuardMisuse)
}

func TestApplyCustomColumn(t *testing.T) {
	g := NewGuard("org_id")
	out, err := g.Apply(`SELECT * FROM t WHERE x = 1`, "T1")
	require.NoError(t, err)
	assert.Contains(t, out, `WHERE org_id = :tenant_id AND x = 1`)
}

// The predicate must appear exactly once, ahead of any ORDER BY or GROUP BY,
// and never inside a quoted literal, whatever the input shape.
func TestApplyPredicatePlacement(t *testing.T) {
	g := NewGuard("tenant_id")
	inputs := []string{
		`SELECT * FROM users`,
		`SELECT * FROM users WHERE a = 1`,
		`SELECT * FROM users WHERE a = 1 ORDER BY id`,
		`SELECT * FROM users ORDER BY id`,
		`SELECT a, COUNT(*) FROM users GROUP BY a ORDER BY a`,
		`select * from users where a = 'x' order by id`,
		`SELECT 'WHERE', "ORDER" FROM t GROUP BY col`,
		"SELECT *\nFROM users\nWHERE a = 1\nORDER BY id",
	}
	for _, in := range inputs {
		out, err := g.Apply(in, "T9")
		require.NoError(t, err, "input: %s", in)

		const pred = "tenant_id = :tenant_id"
		assert.Equal(t, 1, strings.Count(out, pred), "input: %s -> %s", in, out)

		predAt := strings.Index(out, pred)
		for _, kw := range []string{"ORDER BY", "GROUP BY"} {
			if at := strings.Index(strings.ToUpper(out), kw); at >= 0 {
				assert.Less(t, predAt, at, "predicate must precede %s in %q", kw, out)
			}
		}
	}
}

func TestCheckAccess(t *testing.T) {
	cases := []struct {
		name   string
		tc     auth.TenantContext
		target string
		denied bool
	}{
		{"same tenant", auth.TenantContext{TenantID: "T1"}, "T1", false},
		{"system crosses", auth.TenantContext{TenantID: "T1", IsSystem: true}, "T2", false},
		{"admin crosses", auth.TenantContext{TenantID: "T1", Roles: []string{"admin"}}, "T2", false},
		{"other role denied", auth.TenantContext{TenantID: "T1", Roles: []string{"reader"}}, "T2", true},
		{"plain user denied", auth.TenantContext{TenantID: "T1"}, "T2", true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAccess(tt.tc, tt.target)
			if tt.denied {
				assert.ErrorIs(t, err, ErrCrossTenant)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
