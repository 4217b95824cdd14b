package ledger

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"

	"data-mover/internal/models"
)

// RemoteExec runs side-effect SQL (schema precreation, table relocation) on
// whichever database a job targets. Connections are short-lived: the moves
// issue at most a couple of statements per job, so pooling buys nothing.
type RemoteExec struct{}

// Exec opens a connection to the described database, runs the statement, and
// closes the connection.
func (RemoteExec) Exec(ctx context.Context, conn models.ConnInfo, sql string) error {
	c, err := pgx.Connect(ctx, DSN(conn))
	if err != nil {
		return fmt.Errorf("connect %s/%s: %w", conn.Host, conn.Database, err)
	}
	defer c.Close(ctx)

	if _, err := c.Exec(ctx, sql); err != nil {
		return fmt.Errorf("exec on %s/%s: %w", conn.Host, conn.Database, err)
	}
	return nil
}

// DSN renders a ConnInfo as a postgres URL. The password is escaped; generated
// archive secrets contain '.' but resolver-sourced passwords can hold anything.
func DSN(conn models.ConnInfo) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conn.User, conn.Password),
		Host:     fmt.Sprintf("%s:%d", conn.Host, port),
		Path:     "/" + conn.Database,
		RawQuery: "sslmode=prefer",
	}
	return u.String()
}
