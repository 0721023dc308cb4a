package livecall

import (
	"hash/fnv"
	"sort"
	"strings"
)

// Caller is one participant of a call.
type Caller struct {
	UserID string
	Name   string
}

// TalkID derives the numeric id used both as the RTC channel participant id
// and as the speaker tag on transcribed messages. It is a hash of the
// user-facing id masked into the positive 31-bit range, so both clients
// compute the same value without coordination.
func (c Caller) TalkID() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(c.UserID))
	return h.Sum32() & 0x7FFFFFFF
}

// BuildChannelName returns the channel both participants converge on:
// their user ids sorted and joined. BuildChannelName(a, b) equals
// BuildChannelName(b, a).
func BuildChannelName(a, b Caller) string {
	ids := []string{a.UserID, b.UserID}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}
