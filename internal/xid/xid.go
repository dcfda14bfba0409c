package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Receipt returns a short human-readable receipt number, e.g. R20260301-4F2A9C1B.
func Receipt(at time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("R%s-%s", at.UTC().Format("20060102"), id[:8])
}
