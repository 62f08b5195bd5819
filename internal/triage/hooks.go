package triage

// Decision is the kind of choice made on a photo.
type Decision string

const (
	// DecisionKeep marks the photo as kept for good
	DecisionKeep Decision = "keep"

	// DecisionTrash soft-deletes the photo until the next purge
	DecisionTrash Decision = "trash"

	// DecisionDelete physically deleted the photo right away
	DecisionDelete Decision = "delete"
)

// FetchOutcome classifies a completed image fetch.
type FetchOutcome string

const (
	FetchOK      FetchOutcome = "ok"
	FetchEmpty   FetchOutcome = "empty"
	FetchMissing FetchOutcome = "missing"
	FetchError   FetchOutcome = "error"
	FetchStale   FetchOutcome = "stale"
)

// SessionHooks are optional callbacks. All but OnPersist run on the session
// loop; OnPersist runs on the persister goroutine and may be called
// concurrently with the others. They must not block and must not call back
// into the Session.
type SessionHooks struct {
	OnTransition func(to State, remaining int)
	OnDecision   func(d Decision)
	OnDraw       func(remaining int)
	OnFetch      func(outcome FetchOutcome, duration float64)
	OnPurge      func(r *PurgeReport)
	OnPersist    func(err error)
}

func (h SessionHooks) transition(to State, remaining int) {
	if h.OnTransition != nil {
		h.OnTransition(to, remaining)
	}
}

func (h SessionHooks) decision(d Decision) {
	if h.OnDecision != nil {
		h.OnDecision(d)
	}
}

func (h SessionHooks) draw(remaining int) {
	if h.OnDraw != nil {
		h.OnDraw(remaining)
	}
}

func (h SessionHooks) fetch(outcome FetchOutcome, duration float64) {
	if h.OnFetch != nil {
		h.OnFetch(outcome, duration)
	}
}

func (h SessionHooks) purge(r *PurgeReport) {
	if h.OnPurge != nil {
		h.OnPurge(r)
	}
}

func (h SessionHooks) persist(err error) {
	if h.OnPersist != nil {
		h.OnPersist(err)
	}
}
