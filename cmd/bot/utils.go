package main

// shortID truncates a broker order id to its first 8 bytes for log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
