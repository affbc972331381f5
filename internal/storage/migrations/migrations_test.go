package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_SortedAndNonEmpty(t *testing.T) {
	for dir, fsys := range map[string]fs.FS{
		"postgres":   PostgresFS,
		"clickhouse": ClickhouseFS,
		"sqlite":     SQLiteFS,
	} {
		t.Run(dir, func(t *testing.T) {
			files, err := load(fsys, dir)
			require.NoError(t, err)
			require.NotEmpty(t, files)
			for i := 1; i < len(files); i++ {
				assert.Less(t, files[i-1].name, files[i].name)
			}
		})
	}
}

func TestSplitStatements(t *testing.T) {
	sql := `
-- header comment
CREATE TABLE a (x Int32);

CREATE TABLE b (y String)
ENGINE = MergeTree() ORDER BY y;
`
	stmts := splitStatements(sql)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x Int32)", stmts[0])
	assert.Contains(t, stmts[1], "ENGINE = MergeTree()")
}

func TestValidateNoSemicolonInStrings(t *testing.T) {
	assert.NoError(t, validateNoSemicolonInStrings("SELECT 'it''s';"))
	assert.Error(t, validateNoSemicolonInStrings("SELECT 'a;b';"))
}

func TestDatabaseFromDSN(t *testing.T) {
	db, err := databaseFromDSN("clickhouse://default:@localhost:9000/ore")
	require.NoError(t, err)
	assert.Equal(t, "ore", db)

	_, err = databaseFromDSN("clickhouse://localhost:9000")
	assert.Error(t, err)
}
