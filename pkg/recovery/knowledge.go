package recovery

import (
	"sort"

	"github.com/openfroyo/missionctl/pkg/engine"
)

// KnowledgeBase maps each error category to its candidate remediations.
type KnowledgeBase map[engine.ErrorCategory][]engine.RecoverySuggestion

// DefaultKnowledgeBase returns the built-in remediations.
func DefaultKnowledgeBase() KnowledgeBase {
	return KnowledgeBase{
		engine.ErrorCategoryNetwork: {
			{Strategy: engine.RecoveryRetry, Priority: 1,
				Description: "Retry the step with backoff once connectivity is restored",
				Parameters:  map[string]interface{}{"max_attempts": 3, "backoff": "exponential"}},
			{Strategy: engine.RecoveryAlternate, Priority: 2,
				Description: "Route the step through an alternate adapter or endpoint"},
			{Strategy: engine.RecoveryRollback, Priority: 3,
				Description: "Roll back executed steps and retry the mission later"},
			{Strategy: engine.RecoveryManual, Priority: 4,
				Description: "Check network paths and firewall rules between the engine and the layer"},
		},
		engine.ErrorCategoryAuthentication: {
			{Strategy: engine.RecoveryManual, Priority: 1,
				Description: "Refresh or rotate the credentials used by the layer adapter"},
			{Strategy: engine.RecoveryRetry, Priority: 2,
				Description: "Retry the step after credentials were refreshed",
				Parameters:  map[string]interface{}{"max_attempts": 1}},
			{Strategy: engine.RecoveryAbort, Priority: 3,
				Description: "Abort the mission until credentials are fixed"},
		},
		engine.ErrorCategoryAuthorization: {
			{Strategy: engine.RecoveryManual, Priority: 1,
				Description: "Grant the required permissions to the deploying identity"},
			{Strategy: engine.RecoveryAbort, Priority: 2,
				Description: "Abort the mission; retrying will not change the outcome"},
		},
		engine.ErrorCategoryResource: {
			{Strategy: engine.RecoveryAlternate, Priority: 1,
				Description: "Deploy the step to alternate capacity"},
			{Strategy: engine.RecoveryRetry, Priority: 2,
				Description: "Retry after resources are released",
				Parameters:  map[string]interface{}{"delay": "30s"}},
			{Strategy: engine.RecoveryRollback, Priority: 3,
				Description: "Roll back to release resources held by executed steps"},
			{Strategy: engine.RecoveryManual, Priority: 4,
				Description: "Increase quotas or capacity for the layer"},
		},
		engine.ErrorCategoryTimeout: {
			{Strategy: engine.RecoveryRetry, Priority: 1,
				Description: "Retry the step with a longer timeout",
				Parameters:  map[string]interface{}{"timeout_multiplier": 2}},
			{Strategy: engine.RecoverySkip, Priority: 2,
				Description: "Skip the step if it is optional for the mission"},
			{Strategy: engine.RecoveryRollback, Priority: 3,
				Description: "Roll back executed steps"},
		},
		engine.ErrorCategoryValidation: {
			{Strategy: engine.RecoveryManual, Priority: 1,
				Description: "Fix the component parameters and resubmit the mission"},
			{Strategy: engine.RecoverySkip, Priority: 2,
				Description: "Skip the step if it is optional for the mission"},
			{Strategy: engine.RecoveryAbort, Priority: 3,
				Description: "Abort the mission"},
		},
		engine.ErrorCategoryDependency: {
			{Strategy: engine.RecoveryRetry, Priority: 1,
				Description: "Retry once the upstream dependency is ready",
				Parameters:  map[string]interface{}{"delay": "10s"}},
			{Strategy: engine.RecoveryRollback, Priority: 2,
				Description: "Roll back executed steps"},
			{Strategy: engine.RecoveryManual, Priority: 3,
				Description: "Inspect the upstream component"},
		},
		engine.ErrorCategoryConfiguration: {
			{Strategy: engine.RecoveryManual, Priority: 1,
				Description: "Correct the layer configuration"},
			{Strategy: engine.RecoveryRollback, Priority: 2,
				Description: "Roll back executed steps"},
			{Strategy: engine.RecoveryAbort, Priority: 3,
				Description: "Abort the mission"},
		},
		engine.ErrorCategorySystem: {
			{Strategy: engine.RecoveryManual, Priority: 1,
				Description: "Escalate to the layer owner; the failure is not recoverable automatically"},
			{Strategy: engine.RecoveryAbort, Priority: 2,
				Description: "Abort the mission"},
			{Strategy: engine.RecoveryRollback, Priority: 3,
				Description: "Roll back executed steps"},
		},
		engine.ErrorCategoryUnknown: {
			{Strategy: engine.RecoveryRetry, Priority: 1,
				Description: "Retry the step once",
				Parameters:  map[string]interface{}{"max_attempts": 1}},
			{Strategy: engine.RecoveryManual, Priority: 2,
				Description: "Inspect the step output and adapter logs"},
			{Strategy: engine.RecoveryAbort, Priority: 3,
				Description: "Abort the mission"},
		},
	}
}

// Suggest returns the remediations for a classification, ascending by priority.
// A non-recoverable classification only yields manual and abort.
func (kb KnowledgeBase) Suggest(classification engine.ErrorClassification) []engine.RecoverySuggestion {
	candidates := kb[classification.Category]
	if candidates == nil {
		candidates = kb[engine.ErrorCategoryUnknown]
	}

	suggestions := make([]engine.RecoverySuggestion, 0, len(candidates))
	for _, s := range candidates {
		if !classification.Recoverable &&
			s.Strategy != engine.RecoveryManual && s.Strategy != engine.RecoveryAbort {
			continue
		}
		suggestions = append(suggestions, copySuggestion(s))
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Priority < suggestions[j].Priority
	})
	return suggestions
}

func copySuggestion(s engine.RecoverySuggestion) engine.RecoverySuggestion {
	if s.Parameters != nil {
		params := make(map[string]interface{}, len(s.Parameters))
		for k, v := range s.Parameters {
			params[k] = v
		}
		s.Parameters = params
	}
	return s
}
