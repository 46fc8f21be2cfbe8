package engine

import "github.com/casevia/flowtrace/model"

// Queue is a consume-once queue of observed side effects. TakeMatching makes
// the pop-on-match discipline explicit: an entry asserted once is gone.
type Queue[T any] struct {
	items []T
}

// Put appends an entry.
func (q *Queue[T]) Put(v T) {
	q.items = append(q.items, v)
}

// Len returns the number of unconsumed entries.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Items returns the unconsumed entries in arrival order.
func (q *Queue[T]) Items() []T {
	return q.items
}

// Reset drops all entries.
func (q *Queue[T]) Reset() {
	q.items = nil
}

// TakeMatching removes and returns the first entry accepted by match. For
// each rejected entry, match returns a diagnostic explaining the mismatch;
// the diagnostics for all examined entries are returned when nothing
// matched.
func (q *Queue[T]) TakeMatching(match func(T) (string, bool)) (T, []string, bool) {
	var rejections []string
	for i, item := range q.items {
		diag, ok := match(item)
		if ok {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, nil, true
		}
		rejections = append(rejections, diag)
	}
	var zero T
	return zero, rejections, false
}

// Sinks collects the side effects produced by workflow evaluation during
// test replay, in place of the real external systems.
type Sinks struct {
	Emails          Queue[*model.EmailPart]
	SMS             Queue[*model.SMSPart]
	WebserviceCalls Queue[*model.WsCallPart]
	HistoryMessages Queue[string]
	CreatedFormdata Queue[*model.Record]
	CreatedCarddata Queue[*model.Record]
	EditedCarddata  Queue[*model.Record]

	RedirectURL            string
	AnonymisationPerformed bool
}

// Reset clears every sink.
func (s *Sinks) Reset() {
	s.Emails.Reset()
	s.SMS.Reset()
	s.WebserviceCalls.Reset()
	s.HistoryMessages.Reset()
	s.CreatedFormdata.Reset()
	s.CreatedCarddata.Reset()
	s.EditedCarddata.Reset()
	s.RedirectURL = ""
	s.AnonymisationPerformed = false
}
