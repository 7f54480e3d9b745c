// Package pgbackend implements historian.Backend over PostgreSQL, wired in
// as the mediator's second historian DB engine alongside sqlitebackend
// (spec §6). Grounded on sqlitebackend's table-per-channel layout, adapted
// to pgx/v5's placeholder syntax and native JSONB column type.
package pgbackend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uniset/mediator/internal/historian"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// Backend is a historian.Backend backed by a PostgreSQL database, reached
// through a pgx connection pool. Like sqlitebackend, it is used only
// sequentially, by its owning worker's goroutine.
type Backend struct {
	dsn  string
	pool *pgxpool.Pool
}

// New creates a Backend targeting the Postgres connection string dsn. Call
// Open before use.
func New(dsn string) *Backend {
	return &Backend{dsn: dsn}
}

func (b *Backend) Open() error {
	pool, err := pgxpool.New(context.Background(), b.dsn)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	if _, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS channel_defs (
			obj        TEXT NOT NULL,
			var        TEXT NOT NULL,
			type       TEXT NOT NULL,
			table_name TEXT NOT NULL,
			PRIMARY KEY (obj, var)
		)
	`); err != nil {
		pool.Close()
		return fmt.Errorf("create channel_defs: %w", err)
	}
	b.pool = pool
	return nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func tableName(ch historian.ChannelInfo) string {
	return fmt.Sprintf("chan_%s_%d_%s", sanitize(ch.Object.ModuleID), ch.Object.LocalObjectID, sanitize(ch.Variable))
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func objKey(o model.ObjectRef) string { return fmt.Sprintf("%s_%d", o.ModuleID, o.LocalObjectID) }

func (b *Backend) resolveTable(ctx context.Context, ch historian.ChannelInfo) (string, error) {
	var table string
	err := b.pool.QueryRow(ctx, `SELECT table_name FROM channel_defs WHERE obj = $1 AND var = $2`, objKey(ch.Object), ch.Variable).Scan(&table)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup channel: %w", err)
	}
	return table, nil
}

// EnsureChannel provisions the channel's index row and data table if
// missing, within a single transaction.
func (b *Backend) EnsureChannel(ch historian.ChannelInfo) error {
	ctx := context.Background()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := b.ensureChannelTx(ctx, tx, ch); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (b *Backend) ensureChannelTx(ctx context.Context, tx pgx.Tx, ch historian.ChannelInfo) error {
	var table string
	err := tx.QueryRow(ctx, `SELECT table_name FROM channel_defs WHERE obj = $1 AND var = $2`, objKey(ch.Object), ch.Variable).Scan(&table)
	if err == nil {
		return nil
	}
	if err != pgx.ErrNoRows {
		return fmt.Errorf("lookup channel: %w", err)
	}

	table = tableName(ch)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			"time"  BIGINT PRIMARY KEY,
			diffdb  BIGINT NOT NULL,
			quality SMALLINT NOT NULL,
			data    JSONB NOT NULL
		)
	`, table)); err != nil {
		return fmt.Errorf("create data table: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO channel_defs (obj, var, type, table_name) VALUES ($1, $2, $3, $4)`,
		objKey(ch.Object), ch.Variable, string(ch.DataType), table,
	); err != nil {
		return fmt.Errorf("insert channel_defs: %w", err)
	}
	return nil
}

func (b *Backend) Channels() ([]historian.ChannelInfo, error) {
	ctx := context.Background()
	rows, err := b.pool.Query(ctx, `SELECT var, type FROM channel_defs`)
	if err != nil {
		return nil, fmt.Errorf("query channel_defs: %w", err)
	}
	defer rows.Close()

	var out []historian.ChannelInfo
	for rows.Next() {
		var varName, typ string
		if err := rows.Scan(&varName, &typ); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, historian.ChannelInfo{Variable: varName, DataType: model.DataType(typ)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variable < out[j].Variable })
	return out, rows.Err()
}

// AppendBatch writes samples inside one transaction, materialising any
// unknown channel first.
func (b *Backend) AppendBatch(samples []historian.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	ctx := context.Background()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	now := vtq.Now()
	for _, s := range samples {
		if err := b.ensureChannelTx(ctx, tx, s.Channel); err != nil {
			tx.Rollback(ctx)
			return err
		}
		table := tableName(s.Channel)
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s ("time", diffdb, quality, data) VALUES ($1, $2, $3, $4)
				ON CONFLICT ("time") DO UPDATE SET diffdb = EXCLUDED.diffdb, quality = EXCLUDED.quality, data = EXCLUDED.data`, table),
			int64(s.Timestamp), int64(now-s.Timestamp), int16(s.Quality), s.Value,
		); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (b *Backend) ReadRaw(ch historian.ChannelInfo, start, end vtq.Timestamp, maxValues int, bounding historian.Bounding, qf vtq.QualityFilter) ([]vtq.VTTQ, error) {
	ctx := context.Background()
	table, err := b.resolveTable(ctx, ch)
	if err != nil {
		return nil, err
	}
	if table == "" {
		return nil, nil
	}

	rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT "time", diffdb, quality, data FROM %s WHERE "time" >= $1 AND "time" <= $2 ORDER BY "time" ASC`, table), sqlStart(start), sqlEnd(end))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []vtq.VTTQ
	for rows.Next() {
		var t, diffDB int64
		var quality int16
		var value any
		if err := rows.Scan(&t, &diffDB, &quality, &value); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		qual := vtq.Quality(quality)
		if !qf.Accepts(qual) {
			continue
		}
		out = append(out, vtq.NewVTTQ(vtq.VTQ{Value: value, Timestamp: vtq.Timestamp(t), Quality: qual}, vtq.Timestamp(t+diffDB)))
	}
	return reduce(out, maxValues, bounding), rows.Err()
}

func sqlStart(t vtq.Timestamp) int64 {
	if t == vtq.Empty {
		return int64(vtq.Empty)
	}
	return int64(t)
}

func sqlEnd(t vtq.Timestamp) int64 {
	if t == vtq.Empty || t == vtq.Max {
		return int64(vtq.Max)
	}
	return int64(t)
}

// reduce applies the bounding strategy to at most maxValues entries.
// maxValues == 0 means "return nothing" (spec §8); negative means unbounded.
func reduce(points []vtq.VTTQ, maxValues int, bounding historian.Bounding) []vtq.VTTQ {
	if maxValues == 0 {
		return points[:0]
	}
	if maxValues < 0 || len(points) <= maxValues {
		return points
	}
	switch bounding {
	case historian.TakeFirstN:
		return points[:maxValues]
	case historian.TakeLastN:
		return points[len(points)-maxValues:]
	case historian.CompressToN:
		out := make([]vtq.VTTQ, 0, maxValues)
		step := float64(len(points)) / float64(maxValues)
		for i := 0; i < maxValues; i++ {
			idx := int(float64(i) * step)
			if idx >= len(points) {
				idx = len(points) - 1
			}
			out = append(out, points[idx])
		}
		return out
	default:
		return points[:maxValues]
	}
}

func (b *Backend) Count(ch historian.ChannelInfo, start, end vtq.Timestamp, qf vtq.QualityFilter) (int64, error) {
	if qf != vtq.ExcludeNone {
		points, err := b.ReadRaw(ch, start, end, historian.Unbounded, historian.TakeFirstN, qf)
		if err != nil {
			return 0, err
		}
		return int64(len(points)), nil
	}

	ctx := context.Background()
	table, err := b.resolveTable(ctx, ch)
	if err != nil {
		return 0, err
	}
	if table == "" {
		return 0, nil
	}
	var n int64
	err = b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE "time" >= $1 AND "time" <= $2`, table), sqlStart(start), sqlEnd(end)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("scan count: %w", err)
	}
	return n, nil
}

func (b *Backend) DeleteInterval(ch historian.ChannelInfo, start, end vtq.Timestamp) error {
	ctx := context.Background()
	table, err := b.resolveTable(ctx, ch)
	if err != nil {
		return err
	}
	if table == "" {
		return nil
	}
	_, err = b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "time" >= $1 AND "time" <= $2`, table), sqlStart(start), sqlEnd(end))
	if err != nil {
		return fmt.Errorf("delete interval: %w", err)
	}
	return nil
}

func (b *Backend) Modify(ch historian.ChannelInfo, mode historian.ModifyMode, data []vtq.VTQ) error {
	ctx := context.Background()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := b.ensureChannelTx(ctx, tx, ch); err != nil {
		tx.Rollback(ctx)
		return err
	}
	table := tableName(ch)

	switch mode {
	case historian.ReplaceAll:
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("replace-all delete: %w", err)
		}
		fallthrough
	case historian.Insert, historian.Update, historian.Upsert:
		for _, d := range data {
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s ("time", diffdb, quality, data) VALUES ($1, $2, $3, $4)
					ON CONFLICT ("time") DO UPDATE SET quality = EXCLUDED.quality, data = EXCLUDED.data`, table),
				int64(d.Timestamp), 0, int16(d.Quality), d.Value,
			); err != nil {
				tx.Rollback(ctx)
				return fmt.Errorf("upsert row: %w", err)
			}
		}
	case historian.Delete:
		for _, d := range data {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "time" = $1`, table), int64(d.Timestamp)); err != nil {
				tx.Rollback(ctx)
				return fmt.Errorf("delete row: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (b *Backend) GetLatestTimestampDB(ch historian.ChannelInfo) (vtq.Timestamp, error) {
	ctx := context.Background()
	table, err := b.resolveTable(ctx, ch)
	if err != nil {
		return vtq.Empty, err
	}
	if table == "" {
		return vtq.Empty, nil
	}
	var t, diffDB int64
	err = b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT "time", diffdb FROM %s ORDER BY "time" DESC LIMIT 1`, table)).Scan(&t, &diffDB)
	if err != nil {
		if err == pgx.ErrNoRows {
			return vtq.Empty, nil
		}
		return vtq.Empty, fmt.Errorf("scan latest: %w", err)
	}
	return vtq.Timestamp(t + diffDB), nil
}

func (b *Backend) DeleteChannel(ch historian.ChannelInfo) error {
	ctx := context.Background()
	table, err := b.resolveTable(ctx, ch)
	if err != nil {
		return err
	}
	if table == "" {
		return nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("drop data table: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM channel_defs WHERE obj = $1 AND var = $2`, objKey(ch.Object), ch.Variable); err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("delete channel_defs row: %w", err)
	}
	return tx.Commit(ctx)
}

func (b *Backend) Stats() (historian.Stats, error) {
	channels, err := b.Channels()
	if err != nil {
		return historian.Stats{}, err
	}

	ctx := context.Background()
	stats := historian.Stats{ChannelCount: int64(len(channels))}
	var oldest, newest time.Time
	for _, ch := range channels {
		table, err := b.resolveTable(ctx, ch)
		if err != nil || table == "" {
			continue
		}
		var n int64
		var minT, maxT *int64
		row := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*), MIN("time"), MAX("time") FROM %s`, table))
		if err := row.Scan(&n, &minT, &maxT); err != nil {
			continue
		}
		stats.SampleCount += n
		if minT != nil {
			t := vtq.Timestamp(*minT).Time()
			if oldest.IsZero() || t.Before(oldest) {
				oldest = t
			}
		}
		if maxT != nil {
			t := vtq.Timestamp(*maxT).Time()
			if t.After(newest) {
				newest = t
			}
		}
	}
	stats.OldestSample = oldest
	stats.NewestSample = newest
	return stats, nil
}
