package stream

import (
	"fmt"
	"strings"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
)

// AnalysisPrompt fills the analysis template. Options are rendered as "A. ...", "B. ...".
func AnalysisPrompt(p config.Prompts, question string, options []string) string {
	var opts strings.Builder
	n := 0
	for _, o := range options {
		if o = strings.TrimSpace(o); o == "" {
			continue
		}
		if n > 0 {
			opts.WriteString("\n")
		}
		if n < 26 {
			fmt.Fprintf(&opts, "%c. %s", 'A'+n, o)
		} else {
			opts.WriteString(o)
		}
		n++
	}
	return strings.NewReplacer(
		"{question}", strings.TrimSpace(question),
		"{options}", opts.String(),
	).Replace(p.Analysis)
}

func GradingPrompt(p config.Prompts, question, userAnswer, reference string) string {
	if strings.TrimSpace(reference) == "" {
		reference = "（无）"
	}
	return strings.NewReplacer(
		"{question}", strings.TrimSpace(question),
		"{user_answer}", strings.TrimSpace(userAnswer),
		"{reference_answer}", strings.TrimSpace(reference),
	).Replace(p.Grading)
}
