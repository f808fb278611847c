package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lbe-engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS lbe_transactions (
	id           TEXT PRIMARY KEY,
	label        TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	body         JSONB NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS lbe_transactions_event ON lbe_transactions (event_id, submitted_at);

CREATE TABLE IF NOT EXISTS lbe_records (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	payload    JSONB NOT NULL,
	tx_id      TEXT NOT NULL REFERENCES lbe_transactions (id),
	spent_by   TEXT REFERENCES lbe_transactions (id),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS lbe_records_live ON lbe_records (kind, event_id) WHERE spent_by IS NULL;
`

// PostgresLedger implements Ledger on PostgreSQL. Records are never
// deleted; spending sets spent_by, so the table doubles as an audit log.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Migrate creates the schema and seeds the genesis registries once.
func (l *PostgresLedger) Migrate(ctx context.Context, rent decimal.Decimal) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	var n int
	err := l.pool.QueryRow(ctx, `SELECT count(*) FROM lbe_records WHERE kind = $1`, string(model.KindFactory)).Scan(&n)
	if err != nil {
		return fmt.Errorf("%w: count registries: %v", ErrUnavailable, err)
	}
	if n > 0 {
		return nil
	}
	_, err = l.Submit(ctx, GenesisTx(rent))
	return err
}

func (l *PostgresLedger) CurrentTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := l.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return now.UTC(), nil
}

func (l *PostgresLedger) Records(ctx context.Context, kind model.Kind, id model.EventID) ([]model.Record, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT payload FROM lbe_records
		 WHERE kind = $1 AND event_id = $2 AND spent_by IS NULL
		 ORDER BY created_at, id`, string(kind), string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: records %s/%s: %v", ErrUnavailable, kind, id, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (l *PostgresLedger) Treasuries(ctx context.Context) ([]model.Record, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT payload FROM lbe_records
		 WHERE kind = $1 AND spent_by IS NULL
		 ORDER BY event_id`, string(model.KindTreasury))
	if err != nil {
		return nil, fmt.Errorf("%w: treasuries: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (l *PostgresLedger) Transactions(ctx context.Context, id model.EventID) ([]model.Tx, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT body FROM lbe_transactions WHERE event_id = $1 ORDER BY submitted_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: transactions %s: %v", ErrUnavailable, id, err)
	}
	defer rows.Close()

	var txs []model.Tx
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var tx model.Tx
		if err := json.Unmarshal(body, &tx); err != nil {
			return nil, fmt.Errorf("decode tx: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return txs, nil
}

// Submit spends and inserts inside one serializable transaction. Losing a
// race on a consumed record shows up as fewer updated rows or as a
// serialization failure; both map to ErrConflict.
func (l *PostgresLedger) Submit(ctx context.Context, tx *model.Tx) (string, error) {
	if err := tx.Balance(); err != nil {
		return "", err
	}
	tx.Seal()

	dbtx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	var now time.Time
	if err := dbtx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return "", classify(err)
	}
	for i := range tx.Produced {
		tx.Produced[i].CreatedAt = now.UTC()
	}

	body, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("encode tx: %w", err)
	}
	if _, err := dbtx.Exec(ctx,
		`INSERT INTO lbe_transactions (id, label, event_id, body, submitted_at) VALUES ($1, $2, $3, $4, $5)`,
		tx.ID, tx.Label, string(tx.EventID), body, now); err != nil {
		return "", classify(err)
	}

	claimed := append(append([]model.Record(nil), tx.Consumed...), tx.References...)
	if err := verifyLive(ctx, dbtx, claimed); err != nil {
		return "", err
	}

	if spent := ids(tx.ConsumedIDs()); len(spent) > 0 {
		tag, err := dbtx.Exec(ctx,
			`UPDATE lbe_records SET spent_by = $1 WHERE id = ANY($2) AND spent_by IS NULL`, tx.ID, spent)
		if err != nil {
			return "", classify(err)
		}
		if tag.RowsAffected() != int64(len(spent)) {
			return "", fmt.Errorf("%w: %d of %d inputs live", ErrConflict, tag.RowsAffected(), len(spent))
		}
	}

	for _, r := range tx.Produced {
		payload, err := json.Marshal(r)
		if err != nil {
			return "", fmt.Errorf("encode record: %w", err)
		}
		if _, err := dbtx.Exec(ctx,
			`INSERT INTO lbe_records (id, kind, event_id, payload, tx_id, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			string(r.ID), string(r.Kind), string(r.EventID), payload, tx.ID, r.CreatedAt); err != nil {
			return "", classify(err)
		}
	}

	if err := dbtx.Commit(ctx); err != nil {
		return "", classify(err)
	}
	return tx.ID, nil
}

// classify maps driver errors onto the ledger taxonomy.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// verifyLive checks that every claimed record is unspent and still carries
// the kind, event, value and payload the tx was built from.
func verifyLive(ctx context.Context, dbtx pgx.Tx, claimed []model.Record) error {
	if len(claimed) == 0 {
		return nil
	}
	want := make(map[model.RecordID]model.Record, len(claimed))
	keys := make([]string, 0, len(claimed))
	for _, r := range claimed {
		if _, dup := want[r.ID]; dup {
			return fmt.Errorf("%w: %s listed twice", ErrConflict, r.ID)
		}
		want[r.ID] = r
		keys = append(keys, string(r.ID))
	}

	rows, err := dbtx.Query(ctx,
		`SELECT id, payload FROM lbe_records WHERE id = ANY($1) AND spent_by IS NULL`, keys)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return classify(err)
		}
		var live model.Record
		if err := json.Unmarshal(payload, &live); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		live.ID = model.RecordID(id)
		if !matchesLive(live, want[live.ID]) {
			return fmt.Errorf("%w: %s does not match the live record", ErrConflict, id)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	if found != len(want) {
		return fmt.Errorf("%w: %d of %d records live", ErrConflict, found, len(want))
	}
	return nil
}

func ids(in []model.RecordID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRecords(rows pgxRows) ([]model.Record, error) {
	var records []model.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var r model.Record
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}
