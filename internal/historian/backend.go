// Package historian implements the historian worker and manager (spec
// §4.3/§4.4): one dedicated worker per time-series database, a work queue
// with PrioritizeAndCompress, auto-provisioned per-variable channels, and
// a manager that routes variable-history traffic to the right worker.
//
// Grounded on the teacher's internal/recording package: Backend here plays
// the same pluggable-storage role recording.Backend played, generalized
// from a flat append-only record log to the channel-oriented, quality- and
// timestamp-aware shape spec §4.3 asks for.
package historian

import (
	"time"

	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// ChannelInfo identifies a historian channel: the variable it backs and
// the data type it was provisioned with (spec §3).
type ChannelInfo struct {
	Object   model.ObjectRef
	Variable string
	DataType model.DataType
}

// Sample is one value written to or read from a channel.
type Sample struct {
	Channel   ChannelInfo
	Value     any
	Timestamp vtq.Timestamp
	Quality   vtq.Quality
}

// Bounding is the range-read reduction strategy (spec §4.3).
type Bounding uint8

const (
	TakeFirstN Bounding = iota
	TakeLastN
	CompressToN
)

// Unbounded, passed as ReadRaw's maxValues, means "no limit" — return every
// matching sample. maxValues == 0 is reserved for spec §8's "ReadRaw with
// maxValues = 0 returns an empty sequence, never an error" and must not be
// confused with Unbounded.
const Unbounded = -1

// ModifyMode is the write-path precondition mode for Modify (spec §4.3).
type ModifyMode uint8

const (
	Insert ModifyMode = iota
	Update
	Upsert
	ReplaceAll
	Delete
)

// Stats reports per-DB storage statistics, surfaced via diagnostics RPCs.
type Stats struct {
	ChannelCount int64
	SampleCount  int64
	OldestSample time.Time
	NewestSample time.Time
}

// Backend is the pluggable storage engine behind one historian worker.
// Implementations must be safe only for sequential use by their owning
// worker's goroutine (spec §5 — "DB connections are never shared across
// threads").
type Backend interface {
	// Open initializes the backend connection and ensures its channel
	// index table exists.
	Open() error

	// Close closes the backend connection.
	Close() error

	// EnsureChannel provisions a channel (index row + data table) if it
	// doesn't already exist. Must be atomic: spec §3's invariant that
	// every channel has a matching index row, created together with its
	// data table.
	EnsureChannel(ch ChannelInfo) error

	// Channels lists every provisioned channel.
	Channels() ([]ChannelInfo, error)

	// AppendBatch appends samples inside a single transaction, creating
	// any unknown channels first within that same transaction boundary
	// (spec §4.3's channel materialisation).
	AppendBatch(samples []Sample) error

	// ReadRaw returns samples for ch in [start, end] ascending by time,
	// reduced to at most maxValues via bounding, after applying qf.
	// maxValues == 0 returns an empty result (spec §8); Unbounded (-1) or
	// any negative value returns every matching sample.
	ReadRaw(ch ChannelInfo, start, end vtq.Timestamp, maxValues int, bounding Bounding, qf vtq.QualityFilter) ([]vtq.VTTQ, error)

	// Count returns the number of samples for ch in [start, end] passing qf.
	Count(ch ChannelInfo, start, end vtq.Timestamp, qf vtq.QualityFilter) (int64, error)

	// DeleteInterval removes samples for ch in [start, end].
	DeleteInterval(ch ChannelInfo, start, end vtq.Timestamp) error

	// Modify applies one of the ModifyMode preconditions against data for
	// ch (spec §4.3).
	Modify(ch ChannelInfo, mode ModifyMode, data []vtq.VTQ) error

	// GetLatestTimestampDB returns the most recent DB-insertion timestamp
	// recorded for ch.
	GetLatestTimestampDB(ch ChannelInfo) (vtq.Timestamp, error)

	// DeleteChannel drops a channel's data table and index row entirely
	// (used by HistorianDeleteVariables).
	DeleteChannel(ch ChannelInfo) error

	// Stats reports aggregate storage statistics.
	Stats() (Stats, error)
}
