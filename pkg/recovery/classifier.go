package recovery

import (
	"strings"

	"github.com/openfroyo/missionctl/pkg/engine"
)

// categoryRule maps keywords to a category. Rules are evaluated in order and
// the first rule with a matching keyword wins.
type categoryRule struct {
	category    engine.ErrorCategory
	keywords    []string
	severity    engine.Severity
	recoverable bool
}

// defaultRules lists categories in classification priority order.
var defaultRules = []categoryRule{
	{
		category: engine.ErrorCategoryNetwork,
		keywords: []string{
			"network", "connection", "unreachable", "dns", "no route to host",
			"socket", "broken pipe", "reset by peer", "eof",
		},
		severity:    engine.SeverityMedium,
		recoverable: true,
	},
	{
		category: engine.ErrorCategoryAuthentication,
		keywords: []string{
			"authentication", "unauthenticated", "invalid credentials", "login failed",
			"token expired", "expired token", "invalid token", "password",
		},
		severity:    engine.SeverityHigh,
		recoverable: true,
	},
	{
		category: engine.ErrorCategoryAuthorization,
		keywords: []string{
			"authorization", "unauthorized", "permission denied", "forbidden",
			"access denied", "not allowed", "insufficient privileges",
		},
		severity:    engine.SeverityHigh,
		recoverable: true,
	},
	{
		category: engine.ErrorCategoryResource,
		keywords: []string{
			"out of memory", "quota", "disk full", "no space left", "resource exhausted",
			"insufficient", "capacity", "limit exceeded", "too many",
		},
		severity:    engine.SeverityHigh,
		recoverable: true,
	},
	{
		category:    engine.ErrorCategoryTimeout,
		keywords:    []string{"timeout", "timed out", "deadline exceeded"},
		severity:    engine.SeverityMedium,
		recoverable: true,
	},
	{
		category: engine.ErrorCategoryValidation,
		keywords: []string{
			"invalid", "validation", "malformed", "schema", "missing parameter",
			"required field", "bad request", "parse",
		},
		severity:    engine.SeverityLow,
		recoverable: true,
	},
	{
		category: engine.ErrorCategoryDependency,
		keywords: []string{
			"dependency", "depends on", "not ready", "upstream", "prerequisite",
		},
		severity:    engine.SeverityMedium,
		recoverable: true,
	},
	{
		category: engine.ErrorCategoryConfiguration,
		keywords: []string{
			"configuration", "config", "misconfigured", "setting", "environment variable",
		},
		severity:    engine.SeverityMedium,
		recoverable: true,
	},
	{
		category: engine.ErrorCategorySystem,
		keywords: []string{
			"panic", "segmentation fault", "kernel", "fatal", "internal error",
			"corrupt", "system",
		},
		severity:    engine.SeverityCritical,
		recoverable: false,
	},
}

// escalationTerms raise any classification to critical when the mission context mentions them.
var escalationTerms = []string{"critical", "production"}

// Classify infers the category, severity and recoverability of an error message.
// It is deterministic: the same message and context always yield the same result.
func Classify(message string, context map[string]string) engine.ErrorClassification {
	lower := strings.ToLower(message)

	classification := engine.ErrorClassification{
		Category:    engine.ErrorCategoryUnknown,
		Severity:    engine.SeverityMedium,
		Recoverable: true,
		Message:     message,
	}

	for _, rule := range defaultRules {
		if containsAny(lower, rule.keywords) {
			classification.Category = rule.category
			classification.Severity = rule.severity
			classification.Recoverable = rule.recoverable
			break
		}
	}

	if mentionsEscalation(context) {
		classification.Severity = engine.SeverityCritical
	}

	return classification
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// mentionsEscalation reports whether any context key or value mentions an escalation term.
func mentionsEscalation(context map[string]string) bool {
	for k, v := range context {
		if containsAny(strings.ToLower(k), escalationTerms) || containsAny(strings.ToLower(v), escalationTerms) {
			return true
		}
	}
	return false
}
