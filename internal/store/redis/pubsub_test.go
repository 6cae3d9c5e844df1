package redis_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	redisstore "github.com/gosuda/meterchain/internal/store/redis"
)

func TestAuditChannel(t *testing.T) {
	t.Parallel()

	accountID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		got := redisstore.AuditChannel(accountID)
		assert.Equal(t, "audit:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", got)
	})

	t.Run("nil UUID", func(t *testing.T) {
		t.Parallel()

		got := redisstore.AuditChannel(uuid.Nil)
		assert.Equal(t, "audit:00000000-0000-0000-0000-000000000000", got)
	})

	t.Run("different inputs produce different outputs", func(t *testing.T) {
		t.Parallel()

		other := uuid.MustParse("11111111-2222-3333-4444-555555555555")
		assert.NotEqual(t, redisstore.AuditChannel(accountID), redisstore.AuditChannel(other))
	})
}

func TestWorkChannel(t *testing.T) {
	t.Parallel()

	accountID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	got := redisstore.WorkChannel(accountID)
	assert.Equal(t, "work:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", got)
	assert.True(t, strings.HasPrefix(got, "work:"), "expected prefix 'work:', got %q", got)
}

func TestChainChannel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		chainID string
		want    string
	}{
		{name: "simple", chainID: "esg-2026", want: "chain:esg-2026"},
		{name: "empty", chainID: "", want: "chain:"},
		{name: "nested", chainID: "org/a/reports", want: "chain:org/a/reports"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, redisstore.ChainChannel(tt.chainID))
		})
	}
}

func TestChannelFunctions_NoCollisionAcrossTypes(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")

	audit := redisstore.AuditChannel(id)
	work := redisstore.WorkChannel(id)
	chain := redisstore.ChainChannel(id.String())

	assert.NotEqual(t, audit, work, "audit and work channels must not collide")
	assert.NotEqual(t, audit, chain, "audit and chain channels must not collide")
	assert.NotEqual(t, work, chain, "work and chain channels must not collide")
}
