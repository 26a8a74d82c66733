package landscape

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newID returns a random identifier for audit entities.
func newID() string {
	return uuid.New().String()
}

// hexID returns a random identifier built from a UUID with the dashes
// stripped, truncated to n characters.
func hexID(n int) string {
	h := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > 0 && n < len(h) {
		return h[:n]
	}
	return h
}

// newOutcomeID returns an identifier for a token outcome record.
func newOutcomeID() string {
	return "out_" + hexID(12)
}

// newOperationID returns an identifier for a node-level operation.
func newOperationID() string {
	return "op_" + hexID(32)
}

// operationCallID derives the identifier for a call recorded under an
// operation. The index makes the id stable within the operation.
func operationCallID(operationID string, callIndex int) string {
	return "call_" + operationID + "_" + strconv.Itoa(callIndex)
}

// now returns the current UTC time truncated to microseconds so values
// survive a round trip through both storage backends unchanged.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
