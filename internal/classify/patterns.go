package classify

import (
	"regexp"
	"strings"

	"github.com/agentforge/core/internal/tools"
)

// Pattern is one entry of the dangerous-pattern table, the safety-critical
// constant driving risk escalation.
type Pattern struct {
	Name           string
	Risk           RiskLevel
	RefineCategory tools.Category // "" = leave category unchanged
	Warning        string

	substr string         // non-empty = plain substring match
	re     *regexp.Regexp // non-nil = regex match
}

// Matches reports whether input (already stringified) triggers this
// pattern.
func (p Pattern) Matches(input string) bool {
	if p.re != nil {
		return p.re.MatchString(input)
	}
	if p.substr != "" {
		return strings.Contains(input, p.substr)
	}
	return false
}

func substrPattern(name string, risk RiskLevel, category tools.Category, warning, substr string) Pattern {
	return Pattern{Name: name, Risk: risk, RefineCategory: category, Warning: warning, substr: substr}
}

func regexPattern(name string, risk RiskLevel, category tools.Category, warning, pattern string) Pattern {
	return Pattern{Name: name, Risk: risk, RefineCategory: category, Warning: warning, re: regexp.MustCompile(pattern)}
}

// DangerousPatterns is evaluated against every classified tool call's
// stringified input: recursive destructive deletions, writes to system
// paths, arbitrary code execution, credential access, outbound network to
// non-allowlisted hosts, and shell metacharacter injection.
var DangerousPatterns = []Pattern{
	regexPattern(
		"recursive_delete",
		RiskCritical,
		tools.CategoryFilesystem,
		"command recursively deletes files",
		`rm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s|rm\s+--recursive\b|rimraf\b`,
	),
	regexPattern(
		"system_path_write",
		RiskCritical,
		tools.CategoryFilesystem,
		"write targets a system path",
		`(^|[\s"'])/(etc|boot|sys|proc|bin|sbin|usr/bin|usr/sbin|System|Windows)(/|["'\s]|$)`,
	),
	regexPattern(
		"arbitrary_code_execution",
		RiskCritical,
		tools.CategorySystem,
		"input invokes an interpreter on arbitrary code",
		`\b(eval|exec|subprocess\.Popen|os\.system|child_process|Function\()\s*\(`,
	),
	regexPattern(
		"credential_access",
		RiskHigh,
		tools.CategorySystem,
		"input references credential material",
		`(?i)\b(id_rsa|\.ssh/|aws_secret_access_key|private[_-]?key|password\s*[:=]|api[_-]?key\s*[:=]|\.env\b)`,
	),
	regexPattern(
		"outbound_network",
		RiskMedium,
		tools.CategoryNetwork,
		"input contains an outbound network target",
		`(?i)https?://(?!localhost|127\.0\.0\.1|0\.0\.0\.0)[\w.-]+`,
	),
	regexPattern(
		"shell_metacharacter_injection",
		RiskHigh,
		tools.CategorySystem,
		"input contains shell metacharacters that could chain commands",
		`[;&|` + "`" + `]\s*\S|\$\(`,
	),
	substrPattern(
		"sudo_escalation",
		RiskCritical,
		tools.CategorySystem,
		"command escalates privileges via sudo",
		"sudo ",
	),
	substrPattern(
		"disk_format",
		RiskCritical,
		tools.CategorySystem,
		"command formats or wipes a block device",
		"mkfs.",
	),
}
