package broker

// A channel is a named set of connections sharing a broadcast domain.
// It is not safe for concurrent use; the Broker's lock serializes access.
type channel struct {
	name       string
	memberSet  map[Conn]struct{}
	memberList []Conn // Insertion order, for deterministic fan-out
}

// newChannel makes a new channel.
func newChannel(name string) *channel {
	return &channel{
		name: name,
		// Assume a new channel is being made because at least one client
		// wants to join it.
		memberSet:  make(map[Conn]struct{}, 1),
		memberList: make([]Conn, 0, 1),
	}
}

// add puts conn in the member set. Adding an existing member is a no-op, so
// rejoining never duplicates membership.
func (ch *channel) add(conn Conn) {
	if _, ok := ch.memberSet[conn]; ok {
		return
	}
	ch.memberSet[conn] = struct{}{}
	ch.memberList = append(ch.memberList, conn)
}

// remove takes conn out of the member set, reporting whether it was a member.
func (ch *channel) remove(conn Conn) bool {
	if _, ok := ch.memberSet[conn]; !ok {
		return false
	}
	delete(ch.memberSet, conn)
	for i := range ch.memberList {
		if ch.memberList[i] == conn {
			ch.memberList = append(ch.memberList[:i], ch.memberList[i+1:]...)
			break
		}
	}
	return true
}

// has reports whether conn is a member of this channel.
func (ch *channel) has(conn Conn) bool {
	_, ok := ch.memberSet[conn]
	return ok
}

// members returns a snapshot of the member set, safe to range over after the
// broker's lock is released.
func (ch *channel) members() []Conn {
	snapshot := make([]Conn, len(ch.memberList))
	copy(snapshot, ch.memberList)
	return snapshot
}

// othersOf returns a snapshot of every member except conn.
func (ch *channel) othersOf(conn Conn) []Conn {
	others := make([]Conn, 0, len(ch.memberList))
	for _, member := range ch.memberList {
		if member != conn {
			others = append(others, member)
		}
	}
	return others
}

func (ch *channel) empty() bool {
	return len(ch.memberSet) == 0
}

func (ch *channel) size() int {
	return len(ch.memberSet)
}
