package book

// MatchStep is one pass over a price level. A discipline is an ordered
// sequence of steps; each step sees the aggressor quantity left over by
// the passes before it.
type MatchStep uint8

const (
	StepTOP MatchStep = iota
	StepLMM
	StepSplitFIFO
	StepProRata
	StepLeveling
	StepFIFO

	numSteps
)

func (s MatchStep) String() string {
	switch s {
	case StepTOP:
		return "TOP"
	case StepLMM:
		return "LMM"
	case StepSplitFIFO:
		return "SPLIT_FIFO"
	case StepProRata:
		return "PRO_RATA"
	case StepLeveling:
		return "LEVELING"
	case StepFIFO:
		return "FIFO"
	default:
		return "UNKNOWN"
	}
}

var stepSequences = map[Discipline][]MatchStep{
	FIFO:                    {StepFIFO},
	LMM:                     {StepLMM, StepFIFO},
	LMMWithTop:              {StepTOP, StepLMM, StepFIFO},
	ProRata:                 {StepProRata, StepFIFO},
	Allocation:              {StepTOP, StepProRata, StepFIFO},
	ThresholdProRata:        {StepTOP, StepProRata, StepFIFO},
	ThresholdProRataWithLMM: {StepTOP, StepLMM, StepProRata, StepFIFO},
	Configurable:            {StepTOP, StepLMM, StepSplitFIFO, StepProRata, StepLeveling, StepFIFO},
}

// StepPlan is the resolved step sequence for one discipline, with the
// per-step entry predicate and ordering the price level queues use.
type StepPlan struct {
	steps []MatchStep
	index [numSteps]int
}

// PlanFor resolves a discipline to its step plan.
func PlanFor(d Discipline) *StepPlan {
	seq, ok := stepSequences[d]
	if !ok {
		seq = stepSequences[FIFO]
	}
	return PlanForSteps(seq)
}

// PlanForSteps builds a plan from an explicit step sequence.
func PlanForSteps(seq []MatchStep) *StepPlan {
	p := &StepPlan{steps: seq}
	for i := range p.index {
		p.index[i] = -1
	}
	for i, s := range seq {
		p.index[s] = i
	}
	return p
}

func (p *StepPlan) Len() int              { return len(p.steps) }
func (p *StepPlan) At(i int) MatchStep    { return p.steps[i] }
func (p *StepPlan) Has(s MatchStep) bool  { return p.index[s] >= 0 }
func (p *StepPlan) Index(s MatchStep) int { return p.index[s] }

// fits reports whether an arriving order belongs in the queue for a
// step. The leveling queue is rebuilt at step entry, so nothing joins
// it on arrival.
func (p *StepPlan) fits(step MatchStep, o *Order) bool {
	switch step {
	case StepTOP:
		return o.top
	case StepLMM:
		return o.lmmEligible()
	case StepLeveling:
		return false
	default:
		return true
	}
}

// less is the queue ordering for a step. Every branch falls back to
// arrival order so the total order is deterministic.
func (p *StepPlan) less(step MatchStep, a, b *Order) bool {
	switch step {
	case StepTOP:
		if a.top != b.top {
			return a.top
		}
	case StepLMM:
		if ae, be := a.lmmEligible(), b.lmmEligible(); ae != be {
			return ae
		}
	case StepProRata:
		ae, be := a.proRataEligible(), b.proRataEligible()
		if ae != be {
			return ae
		}
		if ae && be && a.proration != b.proration {
			return a.proration > b.proration
		}
	case StepLeveling:
		if a.markedForLeveling != b.markedForLeveling {
			return a.markedForLeveling
		}
		if ar, br := a.Remaining(), b.Remaining(); ar != br {
			return ar > br
		}
	}
	return arrivalLess(a, b)
}

func arrivalLess(a, b *Order) bool {
	if a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	return a.id < b.id
}
