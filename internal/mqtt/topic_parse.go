package mqtt

import "strings"

// ParseRequestID returns the last topic level, which carries the request id
// of submit topics.
func ParseRequestID(topic string) string {
	parts := strings.Split(topic, "/")
	return parts[len(parts)-1]
}
