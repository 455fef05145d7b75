package admission

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Near-One/nayduck/nayduckv1"
)

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

func trimLeadingSpace(s string) string {
	return strings.TrimLeft(s, " \t\r\n")
}

func decodeSHA(s string, out *[20]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 20 {
		return fmt.Errorf("expected 20-byte sha, got %d bytes", len(raw))
	}
	copy(out[:], raw)
	return nil
}

func categoryOf(c string) nayduckv1.Category {
	return nayduckv1.Category(c)
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
