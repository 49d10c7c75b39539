package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyReplay(t *testing.T) {
	valid := []Entry{
		{EntitlementID: 1, Sequence: 2, ChangeType: ChangeTypeSpend, Quantity: -1, BalanceAfter: 0},
		{EntitlementID: 1, Sequence: 1, ChangeType: ChangeTypeGrant, Quantity: 1, BalanceAfter: 1},
		{EntitlementID: 1, Sequence: 3, ChangeType: ChangeTypeClawback, Quantity: -1, BalanceAfter: -1},
		{EntitlementID: 2, Sequence: 1, ChangeType: ChangeTypeGrant, Quantity: 5, BalanceAfter: 5},
	}
	assert.NoError(t, VerifyReplay(valid))
	assert.NoError(t, VerifyReplay(nil))

	cases := map[string][]Entry{
		"balance drift": {
			{EntitlementID: 1, Sequence: 1, ChangeType: ChangeTypeGrant, Quantity: 5, BalanceAfter: 5},
			{EntitlementID: 1, Sequence: 2, ChangeType: ChangeTypeSpend, Quantity: -1, BalanceAfter: 3},
		},
		"sequence gap": {
			{EntitlementID: 1, Sequence: 1, ChangeType: ChangeTypeGrant, Quantity: 5, BalanceAfter: 5},
			{EntitlementID: 1, Sequence: 3, ChangeType: ChangeTypeSpend, Quantity: -1, BalanceAfter: 4},
		},
		"negative spend": {
			{EntitlementID: 1, Sequence: 1, ChangeType: ChangeTypeGrant, Quantity: 1, BalanceAfter: 1},
			{EntitlementID: 1, Sequence: 2, ChangeType: ChangeTypeSpend, Quantity: -2, BalanceAfter: -1},
		},
	}
	for name, entries := range cases {
		assert.ErrorIs(t, VerifyReplay(entries), ErrReplayMismatch, name)
	}
}

func TestTotalsRemaining(t *testing.T) {
	assert.EqualValues(t, 0, Totals{Granted: 100, Spent: 100}.Remaining())
	assert.EqualValues(t, 5, Totals{Granted: 5}.Remaining())
}
