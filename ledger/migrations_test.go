package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/NakedTrashPanda/autoshift/internal/errors"
)

func TestSchemaSupported(t *testing.T) {
	latest := migrations[len(migrations)-1].version

	require.NoError(t, schemaSupported(0))
	require.NoError(t, schemaSupported(latest))

	err := schemaSupported(latest + 1)
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrSchemaMismatch)
}

func TestMigrationVersionsAreOrdered(t *testing.T) {
	prev := 0
	for _, m := range migrations {
		require.Greater(t, m.version, prev)
		prev = m.version
	}
}
