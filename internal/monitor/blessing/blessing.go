// Package blessing implements the pure election function shared by
// every Observer Master: given the current global component list, it
// computes the new blessing_req assignments for BLESS_ALL and
// BLESS_ONE groups (spec §4.2).
package blessing

import (
	"sort"
	"time"

	"github.com/tutu-network/monitor/internal/monitor/domain"
)

// Diff is one (mid, cid) whose blessing_req the engine wants changed.
// Calculate only emits entries where the new value differs from the
// component's current BlessingReq.
type Diff struct {
	Mid domain.Mid
	Cid domain.Cid
	Req domain.BlessingReq
}

// TokenCounter issues process-wide, strictly increasing token values.
// The zero value is usable; tokens start at 1.
type TokenCounter struct {
	next int64
}

// Next returns the next token and advances the counter.
func (c *TokenCounter) Next() int64 {
	c.next++
	return c.next
}

// Calculate groups components by Group (nil Group treated as the
// empty-string group), applies the per-group algorithm — looked up in
// groupAlgorithms, falling back to defaultAlgorithm — and returns the
// diffs against each component's current BlessingReq. now and
// nextToken are injected so the engine stays a pure, testable
// function; production callers pass time.Now and a shared
// *TokenCounter.Next.
func Calculate(
	components []domain.ComponentInfo,
	groupAlgorithms map[string]domain.Algorithm,
	defaultAlgorithm domain.Algorithm,
	now func() time.Time,
	nextToken func() int64,
) []Diff {
	groups := make(map[string][]domain.ComponentInfo)
	var order []string
	for _, c := range components {
		key := ""
		if c.Group != nil {
			key = *c.Group
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	var diffs []Diff
	for _, key := range order {
		group := groups[key]
		algo := defaultAlgorithm
		if a, ok := groupAlgorithms[key]; ok {
			algo = a
		}

		switch algo {
		case domain.BlessOne:
			diffs = append(diffs, blessOne(group, now, nextToken)...)
		default: // domain.BlessAll and unrecognised fall back to BLESS_ALL
			diffs = append(diffs, blessAll(group, now, nextToken)...)
		}
	}
	return diffs
}

func blessAll(group []domain.ComponentInfo, now func() time.Time, nextToken func() int64) []Diff {
	var diffs []Diff
	for _, c := range group {
		var req domain.BlessingReq
		switch {
		case !c.BlessingRes.Ready:
			req = domain.NoReq()
		case c.BlessingReq.HasGrant():
			req = c.BlessingReq
		default:
			req = domain.NewBlessingReq(nextToken(), now())
		}
		if !req.Equal(c.BlessingReq) {
			diffs = append(diffs, Diff{Mid: c.Mid, Cid: c.Cid, Req: req})
		}
	}
	return diffs
}

// winnerKey is the lexicographic tie-break tuple from spec §4.2 step
// 2: (rank asc, has-current-blessing desc, timestamp asc when both
// blessed, mid asc).
type winnerKey struct {
	rank        int
	unblessed   int // 0 if currently blessed (wins ties), 1 otherwise
	timestamp   float64
	mid         domain.Mid
}

func keyOf(c domain.ComponentInfo) winnerKey {
	k := winnerKey{rank: c.Rank, mid: c.Mid, unblessed: 1}
	if c.BlessingReq.HasGrant() {
		k.unblessed = 0
		k.timestamp = *c.BlessingReq.Timestamp
	}
	return k
}

func less(a, b winnerKey) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if a.unblessed != b.unblessed {
		return a.unblessed < b.unblessed
	}
	if a.unblessed == 0 && a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	return a.mid < b.mid
}

func blessOne(group []domain.ComponentInfo, now func() time.Time, nextToken func() int64) []Diff {
	var candidates []domain.ComponentInfo
	for _, c := range group {
		if c.BlessingRes.Ready {
			candidates = append(candidates, c)
		}
	}

	var winner *domain.ComponentInfo
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return less(keyOf(candidates[i]), keyOf(candidates[j]))
		})
		winner = &candidates[0]
	}

	if winner != nil {
		confirmed := winner.BlessingRes.TokenEquals(winner.BlessingReq)
		if !confirmed {
			// Safety interlock: issuing winner a fresh grant while
			// any other component in the group has not yet released
			// its own readback would risk two simultaneous holders.
			for _, c := range group {
				if c.Cid == winner.Cid && c.Mid == winner.Mid {
					continue
				}
				if c.BlessingRes.Token != nil {
					winner = nil
					break
				}
			}
		}
	}

	var diffs []Diff
	for _, c := range group {
		isWinner := winner != nil && c.Cid == winner.Cid && c.Mid == winner.Mid

		var req domain.BlessingReq
		if isWinner {
			if c.BlessingReq.HasGrant() {
				req = c.BlessingReq
			} else {
				req = domain.NewBlessingReq(nextToken(), now())
			}
		} else {
			req = domain.NoReq()
		}

		if !req.Equal(c.BlessingReq) {
			diffs = append(diffs, Diff{Mid: c.Mid, Cid: c.Cid, Req: req})
		}
	}
	return diffs
}
