// Package sqlitebackend implements historian.Backend over SQLite, the
// default historian DB engine (spec §6's persisted-state schema). Grounded
// on the teacher's internal/storage/sqlite.go createTables/scanPoints
// pattern, generalized from one flat history table to one data table per
// channel plus a channel-index table.
package sqlitebackend

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/uniset/mediator/internal/historian"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// Backend is a historian.Backend backed by a single SQLite file. Like all
// Backend implementations it is safe only for sequential use by its owning
// worker's goroutine.
type Backend struct {
	path string
	db   *sql.DB
}

// New creates a Backend targeting the SQLite file at path. Call Open before
// use.
func New(path string) *Backend {
	return &Backend{path: path}
}

func (b *Backend) Open() error {
	db, err := sql.Open("sqlite3", b.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channel_defs (
			obj        TEXT NOT NULL,
			var        TEXT NOT NULL,
			type       TEXT NOT NULL,
			table_name TEXT NOT NULL,
			PRIMARY KEY (obj, var)
		)
	`); err != nil {
		db.Close()
		return fmt.Errorf("create channel_defs: %w", err)
	}
	b.db = db
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func tableName(ch historian.ChannelInfo) string {
	return fmt.Sprintf("chan_%x_%x", objKey(ch.Object), varKey(ch.Variable))
}

func objKey(o model.ObjectRef) string { return fmt.Sprintf("%s_%d", o.ModuleID, o.LocalObjectID) }
func varKey(v string) string          { return v }

// parseObjKey reverses objKey. ModuleID itself may contain underscores, so
// it splits on the last one rather than the first.
func parseObjKey(s string) model.ObjectRef {
	idx := strings.LastIndex(s, "_")
	if idx < 0 {
		return model.ObjectRef{ModuleID: s}
	}
	id, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return model.ObjectRef{ModuleID: s}
	}
	return model.ObjectRef{ModuleID: s[:idx], LocalObjectID: id}
}

func (b *Backend) channelRow(ch historian.ChannelInfo) (table string, found bool, err error) {
	row := b.db.QueryRow(`SELECT table_name FROM channel_defs WHERE obj = ? AND var = ?`, objKey(ch.Object), ch.Variable)
	err = row.Scan(&table)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return table, true, nil
}

// EnsureChannel provisions the channel's index row and data table if
// missing, within a single transaction (spec §3's atomicity invariant).
func (b *Backend) EnsureChannel(ch historian.ChannelInfo) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := b.ensureChannelTx(tx, ch); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *Backend) ensureChannelTx(tx *sql.Tx, ch historian.ChannelInfo) error {
	var table string
	row := tx.QueryRow(`SELECT table_name FROM channel_defs WHERE obj = ? AND var = ?`, objKey(ch.Object), ch.Variable)
	err := row.Scan(&table)
	if err == nil {
		return nil // already provisioned
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("lookup channel: %w", err)
	}

	table = tableName(ch)
	if _, err := tx.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			time    INTEGER PRIMARY KEY,
			diffDB  INTEGER NOT NULL,
			quality INTEGER NOT NULL,
			data    TEXT NOT NULL
		)
	`, table)); err != nil {
		return fmt.Errorf("create data table: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO channel_defs (obj, var, type, table_name) VALUES (?, ?, ?, ?)`,
		objKey(ch.Object), ch.Variable, string(ch.DataType), table,
	); err != nil {
		return fmt.Errorf("insert channel_defs: %w", err)
	}
	return nil
}

func (b *Backend) Channels() ([]historian.ChannelInfo, error) {
	rows, err := b.db.Query(`SELECT obj, var, type FROM channel_defs`)
	if err != nil {
		return nil, fmt.Errorf("query channel_defs: %w", err)
	}
	defer rows.Close()

	var out []historian.ChannelInfo
	for rows.Next() {
		var objStr, varName, typ string
		if err := rows.Scan(&objStr, &varName, &typ); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, historian.ChannelInfo{Object: parseObjKey(objStr), Variable: varName, DataType: model.DataType(typ)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variable < out[j].Variable })
	return out, nil
}

// AppendBatch writes samples inside one transaction, materialising any
// unknown channel first (spec §4.3's channel materialisation).
func (b *Backend) AppendBatch(samples []historian.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	now := vtq.Now()
	for _, s := range samples {
		if err := b.ensureChannelTx(tx, s.Channel); err != nil {
			tx.Rollback()
			return err
		}
		table := tableName(s.Channel)
		data, err := json.Marshal(s.Value)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal value: %w", err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf(`INSERT OR REPLACE INTO %s (time, diffDB, quality, data) VALUES (?, ?, ?, ?)`, table),
			int64(s.Timestamp), int64(now-s.Timestamp), int(s.Quality), string(data),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) resolveTable(ch historian.ChannelInfo) (string, error) {
	table, found, err := b.channelRow(ch)
	if err != nil {
		return "", fmt.Errorf("lookup channel: %w", err)
	}
	if !found {
		return "", nil
	}
	return table, nil
}

// ReadRaw returns samples in [start, end] ascending, reduced to maxValues
// via bounding, after applying qf (spec §4.3).
func (b *Backend) ReadRaw(ch historian.ChannelInfo, start, end vtq.Timestamp, maxValues int, bounding historian.Bounding, qf vtq.QualityFilter) ([]vtq.VTTQ, error) {
	table, err := b.resolveTable(ch)
	if err != nil {
		return nil, err
	}
	if table == "" {
		return nil, nil
	}

	q := fmt.Sprintf(`SELECT time, diffDB, quality, data FROM %s WHERE time >= ? AND time <= ? ORDER BY time ASC`, table)
	rows, err := b.db.Query(q, sqlStart(start), sqlEnd(end))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []vtq.VTTQ
	for rows.Next() {
		var t, diffDB int64
		var quality int
		var data string
		if err := rows.Scan(&t, &diffDB, &quality, &data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		qual := vtq.Quality(quality)
		if !qf.Accepts(qual) {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(data), &value); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		out = append(out, vtq.NewVTTQ(vtq.VTQ{Value: value, Timestamp: vtq.Timestamp(t), Quality: qual}, vtq.Timestamp(t+diffDB)))
	}

	return reduce(out, maxValues, bounding), nil
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
	// Quality filtering for Count requires a scan when not ExcludeNone,
	// since SQLite's bitmask-free quality column has no partial index here.
	if qf != vtq.ExcludeNone {
		points, err := b.ReadRaw(ch, start, end, historian.Unbounded, historian.TakeFirstN, qf)
		if err != nil {
			return 0, err
		}
		return int64(len(points)), nil
	}

	table, err := b.resolveTable(ch)
	if err != nil {
		return 0, err
	}
	if table == "" {
		return 0, nil
	}
	row := b.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE time >= ? AND time <= ?`, table), sqlStart(start), sqlEnd(end))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("scan count: %w", err)
	}
	return n, nil
}

func (b *Backend) DeleteInterval(ch historian.ChannelInfo, start, end vtq.Timestamp) error {
	table, err := b.resolveTable(ch)
	if err != nil {
		return err
	}
	if table == "" {
		return nil
	}
	_, err = b.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE time >= ? AND time <= ?`, table), sqlStart(start), sqlEnd(end))
	if err != nil {
		return fmt.Errorf("delete interval: %w", err)
	}
	return nil
}

// Modify applies the Insert/Update/Upsert/ReplaceAll/Delete preconditions
// (spec §4.3). Insert/Update precondition enforcement happens one layer up
// in historian.Worker; Modify itself just executes the corresponding SQL.
func (b *Backend) Modify(ch historian.ChannelInfo, mode historian.ModifyMode, data []vtq.VTQ) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := b.ensureChannelTx(tx, ch); err != nil {
		tx.Rollback()
		return err
	}
	table := tableName(ch)

	switch mode {
	case historian.ReplaceAll:
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			tx.Rollback()
			return fmt.Errorf("replace-all delete: %w", err)
		}
		fallthrough
	case historian.Insert, historian.Update, historian.Upsert:
		for _, d := range data {
			val, err := json.Marshal(d.Value)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("marshal value: %w", err)
			}
			if _, err := tx.Exec(
				fmt.Sprintf(`INSERT OR REPLACE INTO %s (time, diffDB, quality, data) VALUES (?, ?, ?, ?)`, table),
				int64(d.Timestamp), 0, int(d.Quality), string(val),
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("upsert row: %w", err)
			}
		}
	case historian.Delete:
		for _, d := range data {
			if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE time = ?`, table), int64(d.Timestamp)); err != nil {
				tx.Rollback()
				return fmt.Errorf("delete row: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (b *Backend) GetLatestTimestampDB(ch historian.ChannelInfo) (vtq.Timestamp, error) {
	table, err := b.resolveTable(ch)
	if err != nil {
		return vtq.Empty, err
	}
	if table == "" {
		return vtq.Empty, nil
	}
	row := b.db.QueryRow(fmt.Sprintf(`SELECT time, diffDB FROM %s ORDER BY time DESC LIMIT 1`, table))
	var t, diffDB int64
	if err := row.Scan(&t, &diffDB); err != nil {
		if err == sql.ErrNoRows {
			return vtq.Empty, nil
		}
		return vtq.Empty, fmt.Errorf("scan latest: %w", err)
	}
	return vtq.Timestamp(t + diffDB), nil
}

func (b *Backend) DeleteChannel(ch historian.ChannelInfo) error {
	table, found, err := b.channelRow(ch)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		tx.Rollback()
		return fmt.Errorf("drop data table: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM channel_defs WHERE obj = ? AND var = ?`, objKey(ch.Object), ch.Variable); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete channel_defs row: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) Stats() (historian.Stats, error) {
	channels, err := b.Channels()
	if err != nil {
		return historian.Stats{}, err
	}

	stats := historian.Stats{ChannelCount: int64(len(channels))}
	var oldest, newest time.Time
	for _, ch := range channels {
		table, found, err := b.channelRow(ch)
		if err != nil || !found {
			continue
		}
		var n int64
		var minT, maxT sql.NullInt64
		row := b.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*), MIN(time), MAX(time) FROM %s`, table))
		if err := row.Scan(&n, &minT, &maxT); err != nil {
			continue
		}
		stats.SampleCount += n
		if minT.Valid {
			t := vtq.Timestamp(minT.Int64).Time()
			if oldest.IsZero() || t.Before(oldest) {
				oldest = t
			}
		}
		if maxT.Valid {
			t := vtq.Timestamp(maxT.Int64).Time()
			if t.After(newest) {
				newest = t
			}
		}
	}
	stats.OldestSample = oldest
	stats.NewestSample = newest
	return stats, nil
}
