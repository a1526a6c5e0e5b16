package billing

// validTransitions is the subscription state machine as a flat lookup table.
// Every status write in the manager goes through transition(), so an invalid
// move can never be persisted. Self-transitions (renewal rolls) are listed
// explicitly.
var validTransitions = map[Status]map[Status]bool{
	StatusTrialing: {
		StatusActive:   true, // trial conversion charge succeeded
		StatusPastDue:  true, // conversion charge failed, grace window entered
		StatusCanceled: true, // canceled during trial, no charge ever made
	},
	StatusActive: {
		StatusActive:   true, // renewal rolls the period forward
		StatusPastDue:  true, // renewal charge failed
		StatusCanceled: true, // explicit cancellation
	},
	StatusPastDue: {
		StatusActive:   true, // retried charge succeeded within grace
		StatusExpired:  true, // grace window exhausted
		StatusCanceled: true, // explicit cancellation while past due
	},
	StatusCanceled: {
		StatusActive: true, // reactivation via a fresh billing cycle
	},
	StatusExpired: {},
}

// transition moves the subscription to the target status, or returns a
// StateConflictError leaving the subscription unchanged.
func transition(s *Subscription, to Status, op string) error {
	if !validTransitions[s.Status][to] {
		return &StateConflictError{From: s.Status, To: to, Op: op}
	}
	s.Status = to
	return nil
}
