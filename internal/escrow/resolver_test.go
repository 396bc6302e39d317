package escrow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	a := f.create(t, alice, bob, 100)
	b := f.create(t, alice, bob, 100, a.ID)

	_, err := f.svc.Release(ctx, b.ID, alice)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.ErrorIs(t, err, ErrDependencyNotSatisfied)
	assert.Equal(t, []string{a.ID}, depErr.Pending)
	assert.Equal(t, StatusHeld, f.status(t, b.ID))

	_, err = f.svc.Release(ctx, a.ID, alice)
	require.NoError(t, err)
	_, err = f.svc.Release(ctx, b.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.balance(t, bob).Available)
	f.assertInvariants(t)
}

func TestCascadeRefund_Chain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)
	carol := f.account(t, "carol", 0)
	dave := f.account(t, "dave", 0)

	a := f.create(t, alice, bob, 100)
	b := f.create(t, alice, carol, 100, a.ID)
	c := f.create(t, alice, dave, 100, b.ID)

	_, err := f.svc.Refund(ctx, a.ID, alice, "cancelled")
	require.NoError(t, err)

	assert.Equal(t, StatusRefunded, f.status(t, b.ID))
	assert.Equal(t, StatusRefunded, f.status(t, c.ID))

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("dependency %s refunded", b.ID), got.RefundReason)

	bal := f.balance(t, alice)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Held)

	// Every provider whose escrow ended refunded gets a failure outcome.
	assert.Equal(t, []outcome{{bob, false}, {carol, false}, {dave, false}}, f.rep.outcomes)
	assert.Equal(t, []EventType{EventCreated, EventRefunded}, f.events.types(c.ID))
	f.assertInvariants(t)
}

func TestCascadeRefund_Diamond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	root := f.create(t, alice, bob, 10)
	left := f.create(t, alice, bob, 10, root.ID)
	right := f.create(t, alice, bob, 10, root.ID)
	join := f.create(t, alice, bob, 10, left.ID, right.ID)

	refunded, err := f.svc.Refund(ctx, root.ID, alice, "")
	require.NoError(t, err)
	res := f.svc.Cascade(ctx, refunded) // second pass finds nothing left
	assert.Empty(t, res.Refunded)

	for _, id := range []string{left.ID, right.ID, join.ID} {
		assert.Equal(t, StatusRefunded, f.status(t, id))
	}
	assert.Equal(t, []EventType{EventCreated, EventRefunded}, f.events.types(join.ID))
	f.assertInvariants(t)
}

func TestCascadeRefund_SkipsDisputedAndResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	a := f.create(t, alice, bob, 100)
	disputed := f.create(t, alice, bob, 100, a.ID)
	behindDispute := f.create(t, alice, bob, 100, disputed.ID)
	held := f.create(t, alice, bob, 100, a.ID)

	_, err := f.svc.Dispute(ctx, disputed.ID, bob, "work was delivered")
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, a.ID, alice, "")
	require.NoError(t, err)

	assert.Equal(t, StatusDisputed, f.status(t, disputed.ID))
	assert.Equal(t, StatusHeld, f.status(t, behindDispute.ID))
	assert.Equal(t, StatusRefunded, f.status(t, held.ID))
	f.assertInvariants(t)
}

func TestCreate_RejectsDeadDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	a := f.create(t, alice, bob, 100)
	_, err := f.svc.Refund(ctx, a.ID, alice, "")
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, alice, CreateRequest{ProviderID: bob, Amount: 10, DependsOn: []string{a.ID}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateBatch_PositionalReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 10_000)
	bob := f.account(t, "bob", 0)
	carol := f.account(t, "carol", 0)

	created, err := f.svc.CreateBatch(ctx, alice, BatchRequest{
		GroupID: "pipeline-1",
		Escrows: []CreateRequest{
			{ProviderID: carol, Amount: 300, DependsOn: []string{"$1"}},
			{ProviderID: bob, Amount: 100},
			{ProviderID: bob, Amount: 200, DependsOn: []string{"$0", "$1"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	// Request order is preserved and references point at real IDs.
	assert.Equal(t, carol, created[0].ProviderID)
	assert.Equal(t, []string{created[1].ID}, created[0].DependsOn)
	assert.Equal(t, []string{created[0].ID, created[1].ID}, created[2].DependsOn)
	for _, e := range created {
		assert.Equal(t, "pipeline-1", e.GroupID)
	}

	bal := f.balance(t, alice)
	assert.Equal(t, int64(660), bal.Held) // 330 + 110 + 220

	group, err := f.svc.List(ctx, alice, Filter{GroupID: "pipeline-1"})
	require.NoError(t, err)
	assert.Len(t, group, 3)

	_, err = f.svc.Release(ctx, created[0].ID, alice)
	assert.ErrorIs(t, err, ErrDependencyNotSatisfied)
	f.assertInvariants(t)
}

func TestCreateBatch_GeneratesGroupID(t *testing.T) {
	f := newFixture(t)
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	created, err := f.svc.CreateBatch(context.Background(), alice, BatchRequest{
		Escrows: []CreateRequest{{ProviderID: bob, Amount: 10}, {ProviderID: bob, Amount: 10}},
	})
	require.NoError(t, err)
	assert.Contains(t, created[0].GroupID, "grp_")
	assert.Equal(t, created[0].GroupID, created[1].GroupID)
}

func TestCreateBatch_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	tests := []struct {
		name  string
		items []CreateRequest
		want  error
		index int
	}{
		{
			name:  "invalid amount",
			items: []CreateRequest{{ProviderID: bob, Amount: 10}, {ProviderID: bob, Amount: 10}, {ProviderID: bob, Amount: 0}},
			want:  ErrInvalidAmount,
			index: 2,
		},
		{
			name:  "out of range reference",
			items: []CreateRequest{{ProviderID: bob, Amount: 10, DependsOn: []string{"$5"}}},
			want:  ErrInvalidRequest,
			index: 0,
		},
		{
			name:  "self reference",
			items: []CreateRequest{{ProviderID: bob, Amount: 10}, {ProviderID: bob, Amount: 10, DependsOn: []string{"$1"}}},
			want:  ErrInvalidRequest,
			index: 1,
		},
		{
			name:  "self escrow",
			items: []CreateRequest{{ProviderID: bob, Amount: 10}, {ProviderID: alice, Amount: 10}},
			want:  ErrSelfEscrow,
			index: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateBatch(ctx, alice, BatchRequest{Escrows: tt.items})
			require.ErrorIs(t, err, tt.want)
			var item *BatchItemError
			require.ErrorAs(t, err, &item)
			assert.Equal(t, tt.index, item.Index)
		})
	}

	t.Run("cycle", func(t *testing.T) {
		_, err := f.svc.CreateBatch(ctx, alice, BatchRequest{Escrows: []CreateRequest{
			{ProviderID: bob, Amount: 10, DependsOn: []string{"$2"}},
			{ProviderID: bob, Amount: 10, DependsOn: []string{"$0"}},
			{ProviderID: bob, Amount: 10, DependsOn: []string{"$1"}},
		}})
		assert.ErrorIs(t, err, ErrDependencyCycle)
	})

	t.Run("total exceeds balance", func(t *testing.T) {
		_, err := f.svc.CreateBatch(ctx, alice, BatchRequest{Escrows: []CreateRequest{
			{ProviderID: bob, Amount: 500},
			{ProviderID: bob, Amount: 500},
		}})
		var ibe *InsufficientBalanceError
		require.ErrorAs(t, err, &ibe)
		assert.Equal(t, int64(1100), ibe.Required)
	})

	t.Run("too many items", func(t *testing.T) {
		items := make([]CreateRequest, MaxBatchSize+1)
		for i := range items {
			items[i] = CreateRequest{ProviderID: bob, Amount: 1}
		}
		_, err := f.svc.CreateBatch(ctx, alice, BatchRequest{Escrows: items})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := f.svc.CreateBatch(ctx, alice, BatchRequest{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	all, err := f.store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, int64(1000), f.balance(t, alice).Available)
	f.assertInvariants(t)
}

func TestCreateBatch_ExternalDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)
	upstream := f.create(t, alice, bob, 10)

	created, err := f.svc.CreateBatch(ctx, alice, BatchRequest{Escrows: []CreateRequest{
		{ProviderID: bob, Amount: 10, DependsOn: []string{upstream.ID}},
		{ProviderID: bob, Amount: 10, DependsOn: []string{"$0"}},
	}})
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, upstream.ID, alice, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, f.status(t, created[0].ID))
	assert.Equal(t, StatusRefunded, f.status(t, created[1].ID))
	f.assertInvariants(t)
}

func TestRepairStranded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.account(t, "alice", 1000)
	bob := f.account(t, "bob", 0)

	a := f.create(t, alice, bob, 100)
	b := f.create(t, alice, bob, 100, a.ID)
	c := f.create(t, alice, bob, 100, b.ID)

	// Refund a without running its cascade, as if the process died after commit.
	_, err := f.svc.settle(ctx, "test", a.ID, requireHeld, StatusRefunded, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, f.status(t, b.ID))

	repaired, err := f.svc.RepairStranded(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, StatusRefunded, f.status(t, b.ID))
	assert.Equal(t, StatusRefunded, f.status(t, c.ID))
	assert.Equal(t, []outcome{{bob, false}, {bob, false}}, f.rep.outcomes)

	repaired, err = f.svc.RepairStranded(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
	f.assertInvariants(t)
}

func TestTopoSort(t *testing.T) {
	order, err := topoSort([][]int{{1}, {}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0, 2}, order)

	_, err = topoSort([][]int{{1}, {0}})
	assert.ErrorIs(t, err, ErrDependencyCycle)

	order, err = topoSort([][]int{{}, {}, {}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
}
