package vtq

// Quality tags a value with its trustworthiness, per spec §3.
type Quality uint8

const (
	Good Quality = iota
	Uncertain
	Bad
)

func (q Quality) String() string {
	switch q {
	case Good:
		return "Good"
	case Uncertain:
		return "Uncertain"
	case Bad:
		return "Bad"
	default:
		return "Unknown"
	}
}

// IsGood reports whether q is exactly Good.
func (q Quality) IsGood() bool { return q == Good }

// IsNotBad reports whether q is Good or Uncertain.
func (q Quality) IsNotBad() bool { return q != Bad }

// IsBad reports whether q is Bad.
func (q Quality) IsBad() bool { return q == Bad }

// QualityFilter is the historian read-side filter over Quality (spec §4.3).
type QualityFilter uint8

const (
	ExcludeNone QualityFilter = iota
	ExcludeBad
	ExcludeNonGood
)

// Accepts reports whether q passes the filter f.
func (f QualityFilter) Accepts(q Quality) bool {
	switch f {
	case ExcludeBad:
		return q.IsNotBad()
	case ExcludeNonGood:
		return q.IsGood()
	default:
		return true
	}
}
