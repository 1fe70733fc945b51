package matching

import "sort"

// SharedInterests returns the tags present in both lists, in a's order.
func SharedInterests(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	var shared []string
	for _, t := range a {
		if _, ok := set[t]; ok {
			shared = append(shared, t)
			delete(set, t)
		}
	}
	return shared
}

// Compatible reports whether two entries may be paired: same partition and,
// when both list interests, at least one in common.
func Compatible(a, b Entry) bool {
	if a.UserID == b.UserID || a.Key() != b.Key() {
		return false
	}
	if len(a.Interests) > 0 && len(b.Interests) > 0 {
		return len(SharedInterests(a.Interests, b.Interests)) > 0
	}
	return true
}

type candidate struct {
	entry  Entry
	shared []string
}

// rankCandidates filters window to the entries compatible with anchor and
// orders them best first: most shared interests, then longest wait.
func rankCandidates(anchor Entry, window []Entry) []candidate {
	var out []candidate
	for _, c := range window {
		if !Compatible(anchor, c) {
			continue
		}
		out = append(out, candidate{entry: c, shared: SharedInterests(anchor.Interests, c.Interests)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].shared) != len(out[j].shared) {
			return len(out[i].shared) > len(out[j].shared)
		}
		return out[i].entry.JoinedAt.Before(out[j].entry.JoinedAt)
	})
	return out
}

// initiator picks the side that sends the first WebRTC offer: the side
// with fewer shared interests, the anchor on a tie.
func initiator(anchor, other Entry) string {
	fromAnchor := len(SharedInterests(anchor.Interests, other.Interests))
	fromOther := len(SharedInterests(other.Interests, anchor.Interests))
	if fromAnchor <= fromOther {
		return anchor.UserID
	}
	return other.UserID
}
