package bridge

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/everclear-net/mark/types"
)

type stubAdapter struct{ tag string }

func (s *stubAdapter) Kind() string { return s.tag }
func (s *stubAdapter) Quote(context.Context, *big.Int, types.Route) (*big.Int, error) {
	return nil, nil
}
func (s *stubAdapter) Minimum(context.Context, types.Route) (*big.Int, error) { return nil, nil }
func (s *stubAdapter) Headroom() int64                                        { return 0 }
func (s *stubAdapter) Send(context.Context, common.Address, common.Address, *big.Int, types.Route) ([]*Tx, error) {
	return nil, nil
}
func (s *stubAdapter) ReadyOnDestination(context.Context, *big.Int, types.Route, *gtypes.Receipt) (bool, error) {
	return false, nil
}
func (s *stubAdapter) DestinationCallback(context.Context, types.Route, *gtypes.Receipt) (*Tx, error) {
	return nil, nil
}
func (s *stubAdapter) IsCallbackComplete(context.Context, types.Route, *gtypes.Receipt) (bool, error) {
	return false, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{tag: TagAcross})
	r.Register(&stubAdapter{tag: TagBinance})

	a, err := r.Resolve(TagAcross)
	require.NoError(t, err)
	require.Equal(t, TagAcross, a.Kind())

	_, err = r.Resolve("hyperlane")
	require.ErrorIs(t, err, ErrUnsupported)

	require.ElementsMatch(t, []string{TagAcross, TagBinance}, r.Tags())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{tag: TagZkSync})
	require.Panics(t, func() { r.Register(&stubAdapter{tag: TagZkSync}) })
}

func TestValidatePlan(t *testing.T) {
	require.Error(t, ValidatePlan(nil))

	bad := []*Tx{{Memo: types.MemoRebalance}, {Memo: types.MemoApproval}}
	require.Error(t, ValidatePlan(bad))

	good := []*Tx{
		{Memo: types.MemoUnwrap},
		{Memo: types.MemoStake},
		{Memo: types.MemoApproval},
		{Memo: types.MemoRebalance},
	}
	require.NoError(t, ValidatePlan(good))
}
