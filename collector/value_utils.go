package collector

// stringOrUnknown substitutes "unknown" for empty label values so that
// missing strings never produce an empty label.
func stringOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
