package services

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// NewAnonymousID mints a pseudonymous research identifier. The millisecond
// timestamp plus random suffix makes collisions statistically impossible
// within the system's lifetime; ids are never reissued, even to the same
// person after withdraw and reconsent.
func NewAnonymousID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return "RP-" + ts + "-" + strings.ToUpper(shortID(6))
}
