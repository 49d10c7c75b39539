package domain

import (
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
)

// VerifyReplay checks that, per entitlement, sequences run 1..n without gaps,
// the running sum of quantities equals every BalanceAfter and only clawbacks
// leave a negative balance.
func VerifyReplay(entries []Entry) error {
	byEntitlement := make(map[snowflake.ID][]Entry)
	order := make([]snowflake.ID, 0)
	for _, entry := range entries {
		if _, ok := byEntitlement[entry.EntitlementID]; !ok {
			order = append(order, entry.EntitlementID)
		}
		byEntitlement[entry.EntitlementID] = append(byEntitlement[entry.EntitlementID], entry)
	}

	for _, id := range order {
		group := byEntitlement[id]
		sort.Slice(group, func(i, j int) bool { return group[i].Sequence < group[j].Sequence })

		var running int64
		for i, entry := range group {
			if entry.Sequence != int64(i+1) {
				return fmt.Errorf("%w: entitlement %s: expected sequence %d, found %d", ErrReplayMismatch, id, i+1, entry.Sequence)
			}
			running += entry.Quantity
			if running != entry.BalanceAfter {
				return fmt.Errorf("%w: entitlement %s sequence %d: replayed balance %d, recorded %d",
					ErrReplayMismatch, id, entry.Sequence, running, entry.BalanceAfter)
			}
			if entry.BalanceAfter < 0 && entry.ChangeType != ChangeTypeClawback {
				return fmt.Errorf("%w: entitlement %s sequence %d: negative balance from %s",
					ErrReplayMismatch, id, entry.Sequence, entry.ChangeType)
			}
		}
	}
	return nil
}
