package llm

import "strings"

var answerMarkers = []string{"Ответ:", "Итог:", "Answer:"}

// ShortAnswer scans the raw model text for a final-answer line and returns
// its remainder, or "" when no marker is present. Presentation helper only;
// the persisted answer is always the verbatim model text.
func ShortAnswer(raw string) string {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		for _, marker := range answerMarkers {
			if strings.HasPrefix(line, marker) {
				return strings.TrimSpace(strings.TrimPrefix(line, marker))
			}
		}
	}
	return ""
}
