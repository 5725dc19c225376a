package ai

import "strings"

// Feature names the product surface that triggered an AI call.
type Feature string

const (
	FeatureChat    Feature = "chat"
	FeatureAnalyze Feature = "analyze"
	FeatureGrading Feature = "grading"
)

func ParseFeature(s string) (Feature, bool) {
	switch f := Feature(strings.ToLower(strings.TrimSpace(s))); f {
	case FeatureChat, FeatureAnalyze, FeatureGrading:
		return f, true
	}
	return "", false
}

func (f Feature) String() string { return string(f) }
