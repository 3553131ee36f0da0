package kernel

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidActionType = errors.New("invalid action type")

// Verb is the closed set of mutations the kernel applies.
type Verb uint8

const (
	VerbCreate Verb = iota
	VerbUpdate
	VerbDelete
	VerbRestore
	VerbSubmit
	VerbCancel
	VerbApprove
	VerbReject

	verbCount
)

var verbNames = [...]string{
	VerbCreate:  "create",
	VerbUpdate:  "update",
	VerbDelete:  "delete",
	VerbRestore: "restore",
	VerbSubmit:  "submit",
	VerbCancel:  "cancel",
	VerbApprove: "approve",
	VerbReject:  "reject",
}

// A verb added to the enum without a name, or a name without a verb, makes
// one of these array lengths negative.
var (
	_ [int(verbCount) - len(verbNames)]struct{}
	_ [len(verbNames) - int(verbCount)]struct{}
)

// Verbs returns every verb in declaration order.
func Verbs() []Verb {
	verbs := make([]Verb, 0, verbCount)
	for v := range verbCount {
		verbs = append(verbs, v)
	}

	return verbs
}

func (v Verb) String() string {
	if v >= verbCount {
		return fmt.Sprintf("verb(%d)", uint8(v))
	}

	return verbNames[v]
}

func (v Verb) Valid() bool {
	return v < verbCount
}

// Transition reports whether the verb moves the entity through its status
// machine.
func (v Verb) Transition() bool {
	switch v {
	case VerbSubmit, VerbCancel, VerbApprove, VerbReject:
		return true
	default:
		return false
	}
}

func ParseVerb(s string) (Verb, error) {
	for v, name := range verbNames {
		if name == s {
			return Verb(v), nil
		}
	}

	return 0, fmt.Errorf("%w: unknown verb %q", ErrInvalidActionType, s)
}

func (v Verb) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidActionType, v)
	}

	return []byte(v.String()), nil
}

func (v *Verb) UnmarshalText(text []byte) error {
	parsed, err := ParseVerb(string(text))
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// ActionType identifies one mutation of one entity type. Its string form is
// "{entityType}.{verb}".
type ActionType struct {
	EntityType string
	Verb       Verb
}

func NewActionType(entityType string, verb Verb) ActionType {
	return ActionType{EntityType: entityType, Verb: verb}
}

func (a ActionType) String() string {
	return a.EntityType + "." + a.Verb.String()
}

// ParseActionType is the exact inverse of ActionType.String.
func ParseActionType(s string) (ActionType, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return ActionType{}, fmt.Errorf("%w: %q", ErrInvalidActionType, s)
	}

	verb, err := ParseVerb(s[idx+1:])
	if err != nil {
		return ActionType{}, err
	}

	return ActionType{EntityType: s[:idx], Verb: verb}, nil
}

func (a ActionType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ActionType) UnmarshalText(text []byte) error {
	parsed, err := ParseActionType(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}
