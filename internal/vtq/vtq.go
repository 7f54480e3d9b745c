package vtq

// VTQ is the fundamental observation record: a value with its timestamp and
// quality (spec §3/§4.1). Values are compared structurally.
type VTQ struct {
	Value     any
	Timestamp Timestamp
	Quality   Quality
}

// New builds a Good-quality VTQ at the given timestamp.
func New(value any, ts Timestamp) VTQ {
	return VTQ{Value: value, Timestamp: ts, Quality: Good}
}

// Equal reports structural equality between two VTQs.
func (v VTQ) Equal(o VTQ) bool {
	return v.Timestamp == o.Timestamp && v.Quality == o.Quality && equalValue(v.Value, o.Value)
}

// VTTQ extends VTQ with the historian's DB-insertion timestamp (spec §3).
// It's what ReadRaw and GetLatestTimestampDB hand back.
type VTTQ struct {
	VTQ
	DBTimestamp Timestamp
}

// NewVTTQ builds a VTTQ from a VTQ plus the insertion time.
func NewVTTQ(v VTQ, dbTS Timestamp) VTTQ {
	return VTTQ{VTQ: v, DBTimestamp: dbTS}
}

func equalValue(a, b any) bool {
	// Numeric values frequently round-trip through JSON as float64; treat
	// int/float of equal magnitude as equal the way a historian comparison
	// should.
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
