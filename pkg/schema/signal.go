package schema

import "strings"

// Reserved signal names are rejected by the client.
const signalReservedPrefix = "__loom"

// ValidSignalName reports whether name can be used by callers.
func ValidSignalName(name string) bool {
	return name != "" && !strings.HasPrefix(name, signalReservedPrefix)
}
