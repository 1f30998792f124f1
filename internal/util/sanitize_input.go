package util

import (
	"html"
	"strings"
)

// SanitizeInput trims whitespace and escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious reports whether the input carries injection-looking fragments
func ContainsSuspicious(s string) bool {
	lowered := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lowered, c) {
			return true
		}
	}
	return false
}
