package fanout

import "sort"

// Targets are the three delivery classes for one message. They are pairwise
// disjoint and each is sorted ascending.
type Targets struct {
	Broadcast []int // viewers of the room: full message over their live channel
	Ping      []int // online members not viewing the room: activity event
	Notify    []int // offline members: durable notification
}

// Partition splits a room's roster into delivery classes.
//
//	Broadcast = viewing            (minus sender unless echo)
//	Ping      = (members ∩ online) − viewing − {sender}
//	Notify    = members − online − viewing − {sender}
//
// A viewer that is not online is a stale entry: it stays in Broadcast, where
// it will be skipped for lack of a channel, and is not also notified.
func Partition(members []int, online, viewing map[int]struct{}, senderID int, echo bool) Targets {
	var t Targets

	for id := range viewing {
		if id == senderID && !echo {
			continue
		}
		t.Broadcast = append(t.Broadcast, id)
	}

	seen := make(map[int]struct{}, len(members))
	for _, id := range members {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if id == senderID {
			continue
		}
		if _, ok := viewing[id]; ok {
			continue
		}
		if _, ok := online[id]; ok {
			t.Ping = append(t.Ping, id)
		} else {
			t.Notify = append(t.Notify, id)
		}
	}

	sort.Ints(t.Broadcast)
	sort.Ints(t.Ping)
	sort.Ints(t.Notify)
	return t
}
