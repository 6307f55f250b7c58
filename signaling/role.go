package signaling

// Role selects which half of the room a peer writes and which it reads.
type Role int

const (
	// RoleInitiator creates the room, writes the offer and caller candidates.
	RoleInitiator Role = iota + 1
	// RoleResponder joins via the share link, writes the answer and callee candidates.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// LocalDescription is the description category this role writes.
func (r Role) LocalDescription() Category {
	if r == RoleInitiator {
		return CategoryOffer
	}
	return CategoryAnswer
}

// RemoteDescription is the description category this role reads.
func (r Role) RemoteDescription() Category {
	if r == RoleInitiator {
		return CategoryAnswer
	}
	return CategoryOffer
}

// LocalCandidates is the candidate category this role appends to.
func (r Role) LocalCandidates() Category {
	if r == RoleInitiator {
		return CategoryCallerCandidates
	}
	return CategoryCalleeCandidates
}

// RemoteCandidates is the candidate category this role reads.
func (r Role) RemoteCandidates() Category {
	if r == RoleInitiator {
		return CategoryCalleeCandidates
	}
	return CategoryCallerCandidates
}
