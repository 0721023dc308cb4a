package livecall

// Ledger is the ordered, append-only buffer of recognized utterances from
// both speakers. It is confined to the controller's run loop; the loop is
// the only writer and reader, so no lock is needed.
type Ledger struct {
	threshold int
	messages  []ConversationMessage
}

func NewLedger(threshold int) *Ledger {
	return &Ledger{
		threshold: threshold,
		messages:  make([]ConversationMessage, 0, threshold),
	}
}

// Append adds m at the tail. When the message count reaches the threshold
// the entire content is returned as one batch and the ledger is emptied in
// the same step; otherwise Append returns nil. No utterance is ever part of
// two batches.
func (l *Ledger) Append(m ConversationMessage) []ConversationMessage {
	l.messages = append(l.messages, m)
	if len(l.messages) < l.threshold {
		return nil
	}
	batch := l.messages
	l.messages = make([]ConversationMessage, 0, l.threshold)
	return batch
}

// Restore puts a failed batch back at the head, ahead of anything appended
// since. It does not trigger a flush; the next Append that crosses the
// threshold carries the restored messages first.
func (l *Ledger) Restore(batch []ConversationMessage) {
	if len(batch) == 0 {
		return
	}
	l.messages = append(append(make([]ConversationMessage, 0, len(batch)+len(l.messages)), batch...), l.messages...)
}

func (l *Ledger) Len() int {
	return len(l.messages)
}
