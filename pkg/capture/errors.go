package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blacktop/keydive/pkg/registry"
)

var (
	// ErrGroupTimeout is matched by every *GroupTimeout.
	ErrGroupTimeout = errors.New("correlation group timed out")
	// ErrMalformedEvent is returned for events whose buffers do not fit their function signature.
	ErrMalformedEvent = errors.New("malformed event")
)

// GroupTimeout describes a correlation group discarded before it completed.
type GroupTimeout struct {
	SessionID string
	Start     time.Time
	Present   []registry.Role
	Missing   []registry.Role
}

func (e *GroupTimeout) Error() string {
	missing := make([]string, 0, len(e.Missing))
	for _, r := range e.Missing {
		missing = append(missing, r.String())
	}
	return fmt.Sprintf("%v: session %s group started %s is missing %s",
		ErrGroupTimeout, e.SessionID, e.Start.Format(time.RFC3339Nano), strings.Join(missing, ", "))
}

func (e *GroupTimeout) Is(target error) bool { return target == ErrGroupTimeout }
