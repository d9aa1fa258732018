package fanout

import (
	"reflect"
	"testing"
)

func toSet(ids ...int) map[int]struct{} {
	s := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func subset(members []int, mask int) map[int]struct{} {
	s := map[int]struct{}{}
	for i, id := range members {
		if mask&(1<<i) != 0 {
			s[id] = struct{}{}
		}
	}
	return s
}

// Exhaustive over every online/viewing/sender/echo choice for a 4-member roster.
func TestPartitionIsDisjointAndCovering(t *testing.T) {
	members := []int{1, 2, 3, 4}
	n := len(members)

	for om := 0; om < 1<<n; om++ {
		for vm := 0; vm < 1<<n; vm++ {
			for _, sender := range members {
				for _, echo := range []bool{true, false} {
					online, viewing := subset(members, om), subset(members, vm)
					got := Partition(members, online, viewing, sender, echo)

					owner := map[int]string{}
					for class, ids := range map[string][]int{"broadcast": got.Broadcast, "ping": got.Ping, "notify": got.Notify} {
						for _, id := range ids {
							if prev, dup := owner[id]; dup {
								t.Fatalf("online=%v viewing=%v sender=%d: user %d in both %s and %s", online, viewing, sender, id, prev, class)
							}
							owner[id] = class
						}
					}

					for _, id := range members {
						_, on := online[id]
						_, view := viewing[id]
						class, placed := owner[id]
						switch {
						case view && (id != sender || echo):
							if class != "broadcast" {
								t.Fatalf("viewer %d placed in %q", id, class)
							}
						case id == sender:
							if placed {
								t.Fatalf("sender %d placed in %q", id, class)
							}
						case on && !view:
							if class != "ping" {
								t.Fatalf("online non-viewer %d placed in %q", id, class)
							}
						case !on && !view:
							if class != "notify" {
								t.Fatalf("offline member %d placed in %q", id, class)
							}
						}
					}
				}
			}
		}
	}
}

func TestPartitionScenario(t *testing.T) {
	// roster {A,B,C}, online {A,B}, viewing {A}, B sends
	got := Partition([]int{1, 2, 3}, toSet(1, 2), toSet(1), 2, true)
	want := Targets{Broadcast: []int{1}, Notify: []int{3}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Partition = %+v, want %+v", got, want)
	}
}

func TestPartitionIgnoresDuplicateRosterRows(t *testing.T) {
	got := Partition([]int{3, 3, 2}, toSet(), toSet(), 1, true)
	if !reflect.DeepEqual(got.Notify, []int{2, 3}) {
		t.Errorf("Notify = %v, want [2 3]", got.Notify)
	}
}
