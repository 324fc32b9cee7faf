package guardrails

import "github.com/arbiterhq/arbiter/internal/models"

// Baseline returns the embedded pattern set used when the registry in
// the store cannot be read. The engine fails open to this set, never
// closed to zero protection.
func Baseline() []models.GuardrailPattern {
	return []models.GuardrailPattern{
		{
			Name:             "recursive-root-delete",
			Category:         "filesystem",
			Pattern:          `rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+(/|~|\*)`,
			Severity:         models.SeverityBlock,
			MinTrustToBypass: 4,
			Enabled:          true,
		},
		{
			Name:             "force-push",
			Category:         "vcs",
			Pattern:          `git\s+push\s+(--force|-f)\b`,
			Severity:         models.SeverityBlock,
			MinTrustToBypass: 3,
			Enabled:          true,
		},
		{
			Name:             "hard-reset",
			Category:         "vcs",
			Pattern:          `git\s+reset\s+--hard`,
			Severity:         models.SeverityWarn,
			MinTrustToBypass: 2,
			Enabled:          true,
		},
		{
			Name:             "branch-delete",
			Category:         "vcs",
			Pattern:          `git\s+(branch\s+-D|push\s+\S+\s+--delete)`,
			Severity:         models.SeverityWarn,
			MinTrustToBypass: 2,
			Enabled:          true,
		},
		{
			Name:             "drop-table",
			Category:         "database",
			Pattern:          `drop\s+(table|database|schema)\s`,
			Severity:         models.SeverityBlock,
			MinTrustToBypass: 4,
			Enabled:          true,
		},
		{
			Name:             "unbounded-delete",
			Category:         "database",
			Pattern:          `delete\s+from\s+\w+\s*(;|$)`,
			Severity:         models.SeverityBlock,
			MinTrustToBypass: 3,
			Enabled:          true,
		},
		{
			Name:             "truncate-table",
			Category:         "database",
			Pattern:          `truncate\s+table\s`,
			Severity:         models.SeverityBlock,
			MinTrustToBypass: 3,
			Enabled:          true,
		},
		{
			Name:             "pipe-to-shell",
			Category:         "exec",
			Pattern:          `(curl|wget)\s[^|;]*\|\s*(ba|z|da)?sh`,
			Severity:         models.SeverityBlock,
			MinTrustToBypass: 4,
			Enabled:          true,
		},
		{
			Name:             "world-writable",
			Category:         "filesystem",
			Pattern:          `chmod\s+(-R\s+)?777`,
			Severity:         models.SeverityWarn,
			MinTrustToBypass: 2,
			Enabled:          true,
		},
		{
			Name:             "credential-write",
			Category:         "secrets",
			Pattern:          `(api[_-]?key|secret|password|token)\s*[:=]\s*["'][^"']{8,}`,
			Severity:         models.SeverityLog,
			MinTrustToBypass: 1,
			Enabled:          true,
		},
	}
}
