package ezibpy

// Order types as the broker spells them.
const (
	OrderTypeMarket     = "MKT"
	OrderTypeLimit      = "LMT"
	OrderTypeStop       = "STP"
	OrderTypeStopLimit  = "STP LMT"
	OrderTypeTrail      = "TRAIL"
	OrderTypeTrailLimit = "TRAIL LIMIT"
	OrderTypeMOC        = "MOC"
	OrderTypeMOO        = "MOO"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

const (
	TIFDay               = "DAY"
	TIFGoodTillCancel    = "GTC"
	TIFImmediateOrCancel = "IOC"
)

// Order is an outbound order specification. Builders below cover the
// common shapes; fields may be adjusted before placement. AuxPrice doubles
// as the stop price for STP/TRAIL types. TrailingPercent and the trail
// amount (AuxPrice on TRAIL orders) are never both set when built through
// NewTrail.
type Order struct {
	Action        string
	TotalQuantity int64
	OrderType     string
	LmtPrice      float64
	AuxPrice      float64
	TIF           string
	OCAGroup      string
	OCAType       int64
	ParentID      int64
	ClientID      int64
	Transmit      bool
	OutsideRTH    bool
	AllOrNone     bool
	Hidden        bool
	BlockOrder    bool

	TrailingPercent float64
	TrailStopPrice  float64
	PercentOffset   float64

	Account string
}

// NewOrder builds a plain order: the quantity sign picks the action, a
// zero limit price means market.
func NewOrder(quantity int64, limitPrice float64) *Order {
	o := &Order{
		Action:        ActionSell,
		TotalQuantity: abs64(quantity),
		OrderType:     OrderTypeMarket,
		LmtPrice:      limitPrice,
		TIF:           TIFDay,
		Transmit:      true,
		OutsideRTH:    true,
	}
	if quantity > 0 {
		o.Action = ActionBuy
	}
	if limitPrice != 0 {
		o.OrderType = OrderTypeLimit
	}
	return o
}

// NewStopOrder builds a protective stop (STP, or STP LMT with the limit
// pinned at the stop). A non-empty group enrolls the order in an OCA set.
func NewStopOrder(quantity int64, parentID int64, stop float64, stopLimit bool, group string) *Order {
	o := NewOrder(quantity, 0)
	o.OrderType = OrderTypeStop
	o.AuxPrice = absFloat(stop)
	o.ParentID = parentID
	if stopLimit {
		o.OrderType = OrderTypeStopLimit
		o.LmtPrice = absFloat(stop)
	}
	applyOCA(o, group)
	return o
}

// NewTargetOrder builds a profit-target limit order.
func NewTargetOrder(quantity int64, parentID int64, target float64, group string) *Order {
	o := NewOrder(quantity, target)
	o.OrderType = OrderTypeLimit
	o.ParentID = parentID
	applyOCA(o, group)
	return o
}

// NewTrailOrder builds a broker-side trailing stop from a trail spec.
func NewTrailOrder(quantity int64, parentID int64, trail Trail, group string) (*Order, error) {
	if trail.IsZero() {
		return nil, ErrTrailRequired
	}
	o := NewOrder(quantity, 0)
	o.OrderType = OrderTypeTrail
	o.ParentID = parentID
	if trail.Amount != 0 {
		o.AuxPrice = trail.Amount
	} else {
		o.TrailingPercent = trail.Percent
	}
	applyOCA(o, group)
	return o, nil
}

// applyOCA enrolls an order in an OCA group with proportionate reduction.
func applyOCA(o *Order, group string) {
	if group == "" {
		return
	}
	o.OCAGroup = group
	o.OCAType = 2
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
