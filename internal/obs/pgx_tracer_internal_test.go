package obs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{"SELECT id FROM payment_transactions WHERE id = $1", "SELECT", "payment_transactions"},
		{"insert into webhook_logs (id) values ($1)", "INSERT", "webhook_logs"},
		{"UPDATE payment_transactions SET status = $2", "UPDATE", "payment_transactions"},
		{"SELECT count(*) FROM (SELECT 1) s", "SELECT", ""},
		{"WITH x AS (SELECT 1) SELECT * FROM x", "WITH", ""},
		{"   ", "QUERY", ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		require.Equal(t, tc.op, op, tc.sql)
		require.Equal(t, tc.table, table, tc.sql)
	}
}

func TestTruncateSQLCollapsesWhitespace(t *testing.T) {
	require.Equal(t, "SELECT 1 FROM t", truncateSQL("SELECT 1\n\t FROM   t"))
}
