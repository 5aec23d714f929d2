package memory

import "strings"

// topicMatch reports whether routingKey matches a topic binding pattern.
// Words are separated by dots; "*" matches exactly one word and "#" matches
// zero or more words.
func topicMatch(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

// routes reports whether a binding on an exchange of kind delivers routingKey
func routes(kind, pattern, routingKey string) bool {
	switch kind {
	case "fanout":
		return true
	case "direct":
		return pattern == routingKey
	default:
		return topicMatch(pattern, routingKey)
	}
}
