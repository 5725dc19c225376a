package grading

import (
	"strings"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/config"
)

// Verdict sources.
const (
	SourceMarker    = "marker"
	SourceKeywords  = "keywords"
	SourceAmbiguous = "ambiguous"
)

type Verdict struct {
	Correct bool
	Source  string
}

// Judge derives a correctness verdict from free-form grading text.
//
// The last marker line ("判断结果：正确", "Verdict: incorrect") that carries any
// signal decides, reading everything after the label. Without such a line the
// whole text is classified the same way. A verdict counts as correct only when a
// correct word appears with no incorrect word and no hedge ("部分正确"); incorrect
// words are removed before looking for correct ones so "不正确" never reads as
// "正确". Everything else is not correct.
func Judge(p config.GradingPolicy, text string) Verdict {
	w := words{
		correct:   lowerAll(p.CorrectWords),
		incorrect: lowerAll(p.IncorrectWords),
		hedge:     lowerAll(p.HedgeWords),
	}
	lower := strings.ToLower(text)
	prefixes := lowerAll(p.VerdictPrefixes)

	lines := strings.Split(lower, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.Trim(lines[i], " \t\r*#>-")
		for _, prefix := range prefixes {
			idx := strings.Index(line, prefix)
			if idx < 0 {
				continue
			}
			value := strings.TrimLeft(line[idx+len(prefix):], " \t:：*")
			switch w.classify(value) {
			case signalCorrect:
				return Verdict{Correct: true, Source: SourceMarker}
			case signalIncorrect:
				return Verdict{Correct: false, Source: SourceMarker}
			case signalMixed:
				return Verdict{Correct: false, Source: SourceAmbiguous}
			}
		}
	}

	switch w.classify(lower) {
	case signalCorrect:
		return Verdict{Correct: true, Source: SourceKeywords}
	case signalIncorrect:
		return Verdict{Correct: false, Source: SourceKeywords}
	default:
		return Verdict{Correct: false, Source: SourceAmbiguous}
	}
}

type signal int

const (
	signalNone signal = iota
	signalCorrect
	signalIncorrect
	signalMixed
)

type words struct {
	correct, incorrect, hedge []string
}

// classify reads a span of lowercased text. Hedges and contradictions are mixed.
func (w words) classify(value string) signal {
	for _, h := range w.hedge {
		if strings.Contains(value, h) {
			return signalMixed
		}
	}
	hasIncorrect := false
	for _, word := range w.incorrect {
		if strings.Contains(value, word) {
			hasIncorrect = true
			value = strings.ReplaceAll(value, word, " ")
		}
	}
	hasCorrect := false
	for _, word := range w.correct {
		if strings.Contains(value, word) {
			hasCorrect = true
			break
		}
	}
	switch {
	case hasCorrect && hasIncorrect:
		return signalMixed
	case hasCorrect:
		return signalCorrect
	case hasIncorrect:
		return signalIncorrect
	}
	return signalNone
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, w := range in {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}
