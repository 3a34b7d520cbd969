package manager

import "fmt"

// Reason tells a Deactivator why its component is going away.
type Reason int

const (
	ReasonUnspecified Reason = iota
	ReasonDisabled
	ReasonReference
	ReasonConfigurationModified
	ReasonConfigurationDeleted
	ReasonDisposed
	ReasonBundleStopped
)

var reasonNames = [...]string{
	"unspecified",
	"component disabled",
	"reference became unsatisfied",
	"configuration modified",
	"configuration deleted",
	"component disposed",
	"bundle stopped",
}

func (r Reason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Label is the metrics label for r.
func (r Reason) Label() string {
	switch r {
	case ReasonDisabled:
		return "disabled"
	case ReasonReference:
		return "reference"
	case ReasonConfigurationModified:
		return "configuration_modified"
	case ReasonConfigurationDeleted:
		return "configuration_deleted"
	case ReasonDisposed:
		return "disposed"
	case ReasonBundleStopped:
		return "bundle_stopped"
	default:
		return "unspecified"
	}
}
