package utils

import (
	"regexp"
	"strings"
)

var emailInTextRegex = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// NormalizeEmail lower-cases and trims an address, dropping any display name.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if strings.Contains(email, "<") && strings.Contains(email, ">") {
		startIdx := strings.LastIndex(email, "<") + 1
		endIdx := strings.LastIndex(email, ">")
		if startIdx > 0 && endIdx > startIdx {
			email = email[startIdx:endIdx]
		}
	}
	return strings.ToLower(strings.TrimSpace(email))
}

func ExtractDomainFromEmail(email string) string {
	email = NormalizeEmail(email)
	if email == "" {
		return ""
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// FindEmailsInText returns the addresses found in free text, normalized and in order of appearance.
func FindEmailsInText(text string) []string {
	matches := emailInTextRegex.FindAllString(text, -1)
	result := make([]string, 0, len(matches))
	for _, m := range matches {
		result = append(result, NormalizeEmail(strings.Trim(m, ".")))
	}
	return UniqueStrings(result)
}
