// Package classify implements the Command Classifier: a pure function
// from (toolName, toolInput) to a risk classification, built around a
// five-level risk lattice and a table of dangerous-pattern escalations.
package classify

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/agentforge/core/internal/tools"
)

// RiskLevel is one point on the classifier's risk lattice, ordered
// safe < low < medium < high < critical.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Classification is the classifier's full verdict for one tool call.
type Classification struct {
	RiskLevel        RiskLevel
	Category         tools.Category
	RequiresApproval bool
	Warnings         []string
	Reasoning        string
	MatchedPatterns  []string
}

// baselineRisk derives the starting risk purely from a tool's declared
// category: file-delete and raw system commands default to high,
// read-only queries to safe.
func baselineRisk(category tools.Category) RiskLevel {
	switch category {
	case tools.CategoryReadOnly:
		return RiskSafe
	case tools.CategoryMemory:
		return RiskSafe
	case tools.CategoryMessaging:
		return RiskLow
	case tools.CategoryNetwork:
		return RiskMedium
	case tools.CategoryFilesystem:
		return RiskMedium
	case tools.CategorySystem:
		return RiskHigh
	case tools.CategoryAutomation:
		return RiskMedium
	default:
		return RiskMedium
	}
}

// Classify derives a baseline risk from category, escalates it against
// the dangerous-pattern table, and derives RequiresApproval from the
// resulting level.
func Classify(toolName string, category tools.Category, input map[string]any) Classification {
	level := baselineRisk(category)
	reasoning := fmt.Sprintf("baseline risk %s from category %s", level, category)

	stringified := stringifyInput(input)

	var warnings []string
	var matched []string
	effectiveCategory := category

	for _, p := range DangerousPatterns {
		if p.Matches(stringified) {
			matched = append(matched, p.Name)
			warnings = append(warnings, p.Warning)
			if p.Risk > level {
				level = p.Risk
			}
			if p.RefineCategory != "" {
				effectiveCategory = p.RefineCategory
			}
		}
	}

	if len(matched) > 0 {
		reasoning = fmt.Sprintf("%s; escalated by pattern(s): %v", reasoning, matched)
	}

	sort.Strings(matched)

	return Classification{
		RiskLevel:        level,
		Category:         effectiveCategory,
		RequiresApproval: level != RiskSafe && level != RiskLow,
		Warnings:         warnings,
		Reasoning:        reasoning,
		MatchedPatterns:  matched,
	}
}

// stringifyInput renders toolInput as a single searchable string, the
// substrate the dangerous-pattern table matches against.
func stringifyInput(input map[string]any) string {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(raw)
}
