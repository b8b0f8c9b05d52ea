package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIDArg extracts a numeric feed ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("feed ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid feed ID %q", s)
	}
	return id, nil
}

// ParseIDRest extracts a feed ID and the remaining argument text.
// The rest may be empty; commands treat that as "show" or "reset".
func ParseIDRest(args string) (int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if parts[0] == "" {
		return 0, "", fmt.Errorf("feed ID is required")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid feed ID %q", parts[0])
	}
	if len(parts) == 1 {
		return id, "", nil
	}
	return id, strings.TrimSpace(parts[1]), nil
}

// ParseToggleArgs extracts a feed ID and an on/off switch.
func ParseToggleArgs(args string) (int64, bool, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return 0, false, fmt.Errorf("usage: <id> on|off")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid feed ID %q", parts[0])
	}
	switch strings.ToLower(parts[1]) {
	case "on", "true", "yes":
		return id, true, nil
	case "off", "false", "no":
		return id, false, nil
	default:
		return 0, false, fmt.Errorf("invalid switch %q, use: on, off", parts[1])
	}
}
