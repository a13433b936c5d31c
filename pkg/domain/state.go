package domain

type State string

const (
	StatePending         State = "pendiente"
	StateSent            State = "enviado"
	StateSignedApplicant State = "firmado_solicitante"
	StateSignedReviewer  State = "firmado_operador"
	StateCompleted       State = "firmado_completo"
	StateExpired         State = "expirado"
	StateReplaced        State = "reemplazado"
	StateDeclined        State = "rechazado"
)

var AllStates = []State{
	StatePending, StateSent, StateSignedApplicant, StateSignedReviewer,
	StateCompleted, StateExpired, StateReplaced, StateDeclined,
}

// ActiveStates are the states counted by the one-active-process-per-application rule.
var ActiveStates = []State{StatePending, StateSent, StateSignedApplicant, StateSignedReviewer}

// ExpirableStates can lapse into StateExpired once expires_at has passed.
var ExpirableStates = []State{StateSent, StateSignedApplicant, StateSignedReviewer}

func (s State) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

func (s State) IsActive() bool { return containsState(ActiveStates, s) }

func (s State) IsExpirable() bool { return containsState(ExpirableStates, s) }

// IsSigned reports whether at least one party has signed in this state.
func (s State) IsSigned() bool {
	return s == StateSignedApplicant || s == StateSignedReviewer || s == StateCompleted
}

func containsState(states []State, s State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

type Event string

const (
	EventSend          Event = "enviar"
	EventSignApplicant Event = "firmar_solicitante"
	EventSignReviewer  Event = "firmar_operador"
	EventExpire        Event = "expirar"
	EventReinstate     Event = "renovar"
	EventDecline       Event = "rechazar"
	EventReplace       Event = "reemplazar"
)

// transitions is the complete lifecycle. Any (state, event) pair missing
// here is rejected with CodeInvalidTransition.
//
// The sign events point at the state reached when the other party has
// already signed and integrity holds; SignedState resolves the partial case.
var transitions = map[State]map[Event]State{
	StatePending: {
		EventSend:    StateSent,
		EventReplace: StateReplaced,
		EventDecline: StateDeclined,
	},
	StateSent: {
		EventSignApplicant: StateSignedApplicant,
		EventSignReviewer:  StateSignedReviewer,
		EventExpire:        StateExpired,
		EventReplace:       StateReplaced,
		EventDecline:       StateDeclined,
	},
	StateSignedApplicant: {
		EventSignReviewer: StateCompleted,
		EventExpire:       StateExpired,
		EventReplace:      StateReplaced,
		EventDecline:      StateDeclined,
	},
	StateSignedReviewer: {
		EventSignApplicant: StateCompleted,
		EventExpire:        StateExpired,
		EventReplace:       StateReplaced,
		EventDecline:       StateDeclined,
	},
	StateExpired: {
		EventReinstate: StateSent,
	},
}

// Apply returns the state reached by ev from s.
func (s State) Apply(ev Event) (State, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, Errorf(CodeInvalidTransition, "cannot %s from state %s", ev, s)
	}
	return next, nil
}

func (s State) Allows(ev Event) bool {
	_, ok := transitions[s][ev]
	return ok
}

// IsTerminal reports whether no event leaves s. Expired is reachable again
// only through reinstatement, so it is reported as terminal for signing.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateReplaced, StateDeclined, StateExpired:
		return true
	}
	return len(transitions[s]) == 0
}

type Actor string

const (
	ActorApplicant Actor = "solicitante"
	ActorReviewer  Actor = "operador"
)

func ParseActor(v string) (Actor, error) {
	switch Actor(v) {
	case ActorApplicant, ActorReviewer:
		return Actor(v), nil
	}
	return "", Errorf(CodeBadRequest, "tipo_firma must be %q or %q", ActorApplicant, ActorReviewer)
}

func (a Actor) Other() Actor {
	if a == ActorApplicant {
		return ActorReviewer
	}
	return ActorApplicant
}

func (a Actor) SignEvent() Event {
	if a == ActorApplicant {
		return EventSignApplicant
	}
	return EventSignReviewer
}

// SignedState is the state after actor signs. Completion needs the other
// party's signature and a passing integrity check; otherwise the process
// rests in the partial state of the actor that just signed, and the other
// party's existing signature fields are left in place.
func SignedState(actor Actor, otherSigned, integrityValid bool) State {
	if otherSigned && integrityValid {
		return StateCompleted
	}
	if actor == ActorApplicant {
		return StateSignedApplicant
	}
	return StateSignedReviewer
}

func (s State) String() string { return string(s) }

func (a Actor) String() string { return string(a) }
