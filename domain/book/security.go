package book

import "time"

// Discipline selects the sequence of match steps a security trades with.
type Discipline uint8

const (
	FIFO Discipline = iota
	LMM
	LMMWithTop
	ProRata
	Allocation
	ThresholdProRata
	ThresholdProRataWithLMM
	Configurable
)

func (d Discipline) String() string {
	switch d {
	case FIFO:
		return "FIFO"
	case LMM:
		return "LMM"
	case LMMWithTop:
		return "LMM_WITH_TOP"
	case ProRata:
		return "PRO_RATA"
	case Allocation:
		return "ALLOCATION"
	case ThresholdProRata:
		return "THRESHOLD_PRO_RATA"
	case ThresholdProRataWithLMM:
		return "THRESHOLD_PRO_RATA_WITH_LMM"
	case Configurable:
		return "CONFIGURABLE"
	default:
		return "UNKNOWN"
	}
}

// Security is the instrument definition a book is built for. The
// discipline plus the threshold knobs fully determine allocation
// behaviour; a zero value for any knob disables it.
type Security struct {
	ID         int
	Symbol     string
	Discipline Discipline

	// Steps, when non-empty, overrides the discipline's default step
	// sequence. Lets a configurable security drop or reorder passes.
	Steps []MatchStep

	// TopMin is the smallest resting quantity that can earn TOP status.
	TopMin int64
	// TopMax caps the quantity the TOP order may take from one aggressor.
	// Zero means uncapped.
	TopMax int64
	// ProRataMin zeroes any pro-rata allocation smaller than itself.
	ProRataMin int64
	// SplitPercentage is the share of the aggressor handed to the
	// split-FIFO pass, in whole percent.
	SplitPercentage int64
	// ProtectionPoints bounds market-with-protection and prices
	// stop-with-protection orders.
	ProtectionPoints int64

	// Expiration, when set, expires every order in the book once it
	// passes, regardless of the order's own time in force.
	Expiration time.Time
}
