package drama

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
)

// Reason tells an action why it was entered.
type Reason int32

const (
	ReasonObey        Reason = 1
	ReasonKick        Reason = 2
	ReasonResched     Reason = 3
	ReasonTrigger     Reason = 4
	ReasonMesRejected Reason = 8
	ReasonComplete    Reason = 9
	ReasonDied        Reason = 10
	ReasonExit        Reason = 11
	ReasonSignal      Reason = 12
	ReasonPathFound   Reason = 13
	ReasonPathFailed  Reason = 14
	ReasonOrphan      Reason = 15
)

var reasonNames = map[Reason]string{
	ReasonObey:        "OBEY",
	ReasonKick:        "KICK",
	ReasonResched:     "RESCHED",
	ReasonTrigger:     "TRIGGER",
	ReasonMesRejected: "MESREJECTED",
	ReasonComplete:    "COMPLETE",
	ReasonDied:        "DIED",
	ReasonExit:        "EXIT",
	ReasonSignal:      "SIGNAL",
	ReasonPathFound:   "PATHFOUND",
	ReasonPathFailed:  "PATHFAILED",
	ReasonOrphan:      "ORPHAN",
}

// IsNewInvocation reports whether the reason starts a fresh action context.
func (r Reason) IsNewInvocation() bool {
	return r == ReasonObey
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return "DITS_REA_" + name
	}
	return fmt.Sprintf("DITS_REA_UNKNOWN(%d)", int32(r))
}

// ParseReason validates a raw reason code.
func ParseReason(code int32) (Reason, error) {
	r := Reason(code)
	if _, ok := reasonNames[r]; !ok {
		return 0, errors.New("unknown entry reason", errors.CategoryValidation).
			WithTextCode(ErrCodeMalformedEntry).
			WithMetadata(map[string]any{"reason": code})
	}
	return r, nil
}

// ReasonFromName resolves a reason from its DITS_REA_ name, with or without
// the prefix.
func ReasonFromName(name string) (Reason, bool) {
	name = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "DITS_REA_")
	for r, n := range reasonNames {
		if n == name {
			return r, true
		}
	}
	return 0, false
}
