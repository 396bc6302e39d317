package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentFee(t *testing.T) {
	tests := []struct {
		name   string
		policy PercentFee
		amount int64
		want   int64
	}{
		{"ten percent of 1000", PercentFee{BasisPoints: 1000, MinFee: 1}, 1000, 100},
		{"three percent rounds up", PercentFee{BasisPoints: 300, MinFee: 1}, 101, 4},
		{"exact three percent", PercentFee{BasisPoints: 300, MinFee: 1}, 100, 3},
		{"floor applies to tiny amounts", PercentFee{BasisPoints: 300, MinFee: 1}, 1, 1},
		{"higher floor", PercentFee{BasisPoints: 300, MinFee: 10}, 100, 10},
		{"zero rate no floor", PercentFee{}, 500, 0},
		{"non-positive amount", DefaultFee, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Fee(tt.amount))
		})
	}
}

// flatFee charges the same fee on every escrow.
type flatFee int64

func (f flatFee) Fee(int64) int64 { return int64(f) }

func TestService_UsesConfiguredFeePolicy(t *testing.T) {
	f := newFixture(t)
	f.svc.fees = flatFee(7)
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	e := f.create(t, alice, bob, 500)
	assert.Equal(t, int64(7), e.Fee)
	assert.Equal(t, int64(507), f.balance(t, alice).Held)
}

func TestEffectiveFeePercent(t *testing.T) {
	e := &Escrow{Amount: 101, Fee: 4}
	assert.Equal(t, 3.96, e.EffectiveFeePercent())
	assert.Equal(t, int64(105), e.TotalHeld())
	assert.Equal(t, float64(0), (&Escrow{}).EffectiveFeePercent())
}
