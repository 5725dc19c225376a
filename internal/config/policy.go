package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// TierLimits is the daily/monthly AI call allowance for one membership tier.
type TierLimits struct {
	Daily   int `yaml:"daily"`
	Monthly int `yaml:"monthly"`
}

// GradingPolicy drives how a grading response is turned into a verdict.
type GradingPolicy struct {
	VerdictPrefixes []string `yaml:"verdict_prefixes"`
	CorrectWords    []string `yaml:"correct_words"`
	IncorrectWords  []string `yaml:"incorrect_words"`
	// HedgeWords mark partial credit; any of them makes the verdict ambiguous.
	HedgeWords      []string `yaml:"hedge_words"`
}

// Prompts holds the templates for the analyze and grading features.
// Placeholders: {question}, {options}, {user_answer}, {reference_answer}.
type Prompts struct {
	Analysis string `yaml:"analysis"`
	Grading  string `yaml:"grading"`
}

// Policy is the hot-reloadable part of the configuration.
type Policy struct {
	Tiers   map[int]TierLimits `yaml:"tiers"`
	Grading GradingPolicy      `yaml:"grading"`
	Prompts Prompts            `yaml:"prompts"`
}

// DefaultTier applies to users without a membership.
var DefaultTier = TierLimits{Daily: 10, Monthly: 100}

func DefaultPolicy() Policy {
	return Policy{
		Tiers: map[int]TierLimits{
			0: DefaultTier,
			1: {Daily: 50, Monthly: 1000},
			2: {Daily: 200, Monthly: 5000},
		},
		Grading: GradingPolicy{
			VerdictPrefixes: []string{"判断结果", "判定结果", "verdict", "judgment"},
			CorrectWords:    []string{"正确", "correct"},
			IncorrectWords:  []string{"不正确", "错误", "不对", "incorrect", "not correct", "wrong"},
			HedgeWords:      []string{"部分", "不完全", "基本正确", "partially", "partly", "not entirely", "not fully", "mostly"},
		},
		Prompts: Prompts{
			Analysis: "请分析以下题目，给出解题思路、答案和知识点：\n\n题目：{question}\n{options}",
			Grading: "请判断用户的答案是否正确，并给出详细解析。\n\n题目：{question}\n用户答案：{user_answer}\n参考答案：{reference_answer}\n\n" +
				"请在最后单独一行输出：判断结果：正确 或 判断结果：错误",
		},
	}
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy. An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy: %w", err)
	}
	var file Policy
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return p, fmt.Errorf("parse policy: %w", err)
	}
	merged, err := mergePolicy(p, file)
	if err != nil {
		return p, err
	}
	return merged, nil
}

func mergePolicy(base, file Policy) (Policy, error) {
	for tier, lim := range file.Tiers {
		if tier < 0 {
			return base, fmt.Errorf("policy: negative tier %d", tier)
		}
		if lim.Daily < 0 || lim.Monthly < 0 {
			return base, fmt.Errorf("policy: tier %d has negative limits", tier)
		}
		base.Tiers[tier] = lim
	}
	if len(file.Grading.VerdictPrefixes) > 0 {
		base.Grading.VerdictPrefixes = file.Grading.VerdictPrefixes
	}
	if len(file.Grading.CorrectWords) > 0 {
		base.Grading.CorrectWords = file.Grading.CorrectWords
	}
	if len(file.Grading.IncorrectWords) > 0 {
		base.Grading.IncorrectWords = file.Grading.IncorrectWords
	}
	if len(file.Grading.HedgeWords) > 0 {
		base.Grading.HedgeWords = file.Grading.HedgeWords
	}
	if file.Prompts.Analysis != "" {
		base.Prompts.Analysis = file.Prompts.Analysis
	}
	if file.Prompts.Grading != "" {
		base.Prompts.Grading = file.Prompts.Grading
	}
	return base, nil
}

// PolicyHolder publishes the current Policy to concurrent readers.
type PolicyHolder struct {
	v atomic.Pointer[Policy]
}

func NewPolicyHolder(p Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.Set(p)
	return h
}

func (h *PolicyHolder) Get() Policy {
	return *h.v.Load()
}

func (h *PolicyHolder) Set(p Policy) {
	h.v.Store(&p)
}
