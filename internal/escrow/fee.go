package escrow

// FeePolicy computes the platform fee for an escrow amount.
type FeePolicy interface {
	Fee(amount int64) int64
}

// PercentFee charges ceil(amount * BasisPoints / 10000), floored at MinFee.
type PercentFee struct {
	BasisPoints int64
	MinFee      int64
}

// DefaultFee is 3% with a one-unit floor.
var DefaultFee = PercentFee{BasisPoints: 300, MinFee: 1}

func (p PercentFee) Fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	fee := (amount*p.BasisPoints + 9999) / 10000
	if fee < p.MinFee {
		fee = p.MinFee
	}
	return fee
}
