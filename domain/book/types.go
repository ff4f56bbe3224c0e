package book

// Side is the direction of an order.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "BID"
	}
	return "ASK"
}

// Opposite returns the side an order matches against.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// OrderType distinguishes how an order prices itself on entry.
type OrderType uint8

const (
	Limit OrderType = iota
	MarketLimit
	MarketWithProtection
	StopLimit
	StopWithProtection
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case MarketLimit:
		return "MARKET_LIMIT"
	case MarketWithProtection:
		return "MARKET_WITH_PROTECTION"
	case StopLimit:
		return "STOP_LIMIT"
	case StopWithProtection:
		return "STOP_WITH_PROTECTION"
	default:
		return "UNKNOWN"
	}
}

// TimeInForce controls how long an order may rest.
type TimeInForce uint8

const (
	Day TimeInForce = iota
	GTC
	GTD
	FAK
)

func (t TimeInForce) String() string {
	switch t {
	case Day:
		return "DAY"
	case GTC:
		return "GTC"
	case GTD:
		return "GTD"
	case FAK:
		return "FAK"
	default:
		return "UNKNOWN"
	}
}

// Status is the lifecycle state carried on an OrderUpdate.
type Status uint8

const (
	StatusNew Status = iota
	StatusReject
	StatusPartialFill
	StatusCompleteFill
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusReject:
		return "REJECT"
	case StatusPartialFill:
		return "PARTIAL_FILL"
	case StatusCompleteFill:
		return "COMPLETE_FILL"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}
