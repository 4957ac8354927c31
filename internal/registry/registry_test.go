package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGUID(b byte) GUID {
	var g GUID
	g[31] = b
	return g
}

func TestParseGUID(t *testing.T) {
	t.Run("should round-trip through hex", func(t *testing.T) {
		g := testGUID(7)
		parsed, err := ParseGUID(g.String())
		require.NoError(t, err)
		assert.Equal(t, g, parsed)
	})

	t.Run("should reject a short string", func(t *testing.T) {
		_, err := ParseGUID(strings.Repeat("ab", 16))
		assert.Error(t, err)
	})

	t.Run("should reject non-hex input", func(t *testing.T) {
		_, err := ParseGUID(strings.Repeat("zz", 32))
		assert.Error(t, err)
	})
}

func TestExemptions(t *testing.T) {
	t.Run("should report exempt only after an upsert", func(t *testing.T) {
		r := New()
		assert.False(t, r.IsExempt("alice"))

		r.SetExemptions([]ExemptionUpdate{{Identity: "alice", Exempt: true}})
		assert.True(t, r.IsExempt("alice"))
	})

	t.Run("should be idempotent and report only effective changes", func(t *testing.T) {
		r := New()

		changed := r.SetExemptions([]ExemptionUpdate{{Identity: "alice", Exempt: true}})
		require.Len(t, changed, 1)

		changed = r.SetExemptions([]ExemptionUpdate{{Identity: "alice", Exempt: true}})
		assert.Empty(t, changed)
	})

	t.Run("should remove an entry on exempt=false", func(t *testing.T) {
		r := New()
		r.SetExemptions([]ExemptionUpdate{{Identity: "alice", Exempt: true}})

		changed := r.SetExemptions([]ExemptionUpdate{{Identity: "alice", Exempt: false}})
		require.Len(t, changed, 1)
		assert.False(t, r.IsExempt("alice"))
		assert.Empty(t, r.Exemptions())
	})
}

func TestOverrides(t *testing.T) {
	t.Run("should grant and revoke a transfer override", func(t *testing.T) {
		r := New()
		guid := testGUID(1)

		r.SetOverrides([]OverrideUpdate{{GUID: guid, CanOverride: true}})
		assert.True(t, r.CanOverride(guid))

		r.RevokeOverride(guid)
		assert.False(t, r.CanOverride(guid))
	})

	t.Run("should keep the two axes independent", func(t *testing.T) {
		r := New()
		guid := testGUID(2)

		r.SetExemptions([]ExemptionUpdate{{Identity: "alice", Exempt: true}})
		assert.False(t, r.CanOverride(guid))

		r.SetOverrides([]OverrideUpdate{{GUID: guid, CanOverride: true}})
		r.SetExemptions([]ExemptionUpdate{{Identity: "alice", Exempt: false}})
		assert.True(t, r.CanOverride(guid))
	})

	t.Run("should not report unchanged upserts", func(t *testing.T) {
		r := New()
		guid := testGUID(3)

		changed := r.SetOverrides([]OverrideUpdate{{GUID: guid, CanOverride: false}})
		assert.Empty(t, changed)
	})
}

func TestZip(t *testing.T) {
	t.Run("should pair parallel exemption slices", func(t *testing.T) {
		updates, err := ZipExemptions([]string{"a", "b"}, []bool{true, false})
		require.NoError(t, err)
		require.Len(t, updates, 2)
		assert.Equal(t, ExemptionUpdate{Identity: "a", Exempt: true}, updates[0])
	})

	t.Run("should reject mismatched exemption slices", func(t *testing.T) {
		_, err := ZipExemptions([]string{"a", "b"}, []bool{true})
		var lenErr *LengthMismatchError
		require.ErrorAs(t, err, &lenErr)
		assert.Equal(t, 2, lenErr.A)
		assert.Equal(t, 1, lenErr.B)
	})

	t.Run("should reject mismatched override slices", func(t *testing.T) {
		_, err := ZipOverrides([]GUID{testGUID(1)}, []bool{true, false})
		var lenErr *LengthMismatchError
		assert.ErrorAs(t, err, &lenErr)
	})
}
