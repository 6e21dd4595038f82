package expense

import "github.com/expenseflow/expenseflow/internal/company"

// OutcomeKind enumerates what happens after an approval is recorded.
type OutcomeKind string

const (
	// OutcomeFinalApprove finalizes the expense per the configured rule.
	OutcomeFinalApprove OutcomeKind = "final_approve"
	// OutcomeAdvance opens the next approval level.
	OutcomeAdvance OutcomeKind = "advance"
	// OutcomeFallbackApprove finalizes the expense because the chain is
	// exhausted without the quantitative rule being satisfied.
	OutcomeFallbackApprove OutcomeKind = "fallback_approve"
)

// Outcome is the rule evaluator's verdict. NextLevel is set only for
// OutcomeAdvance.
type Outcome struct {
	Kind      OutcomeKind
	NextLevel int
}

// chainCap returns the maximum level the escalation chain may reach for the
// rule mode before approval falls back.
func chainCap(mode company.RuleMode) int {
	if mode == company.RulePercentage {
		return 3
	}
	return 2
}

// Evaluate decides the aggregate result after the acting task was approved.
// tasks must be the full, freshly read set of tasks created for the expense;
// acting must be among them and already in approved status. Rejections never
// reach the evaluator.
func Evaluate(cfg company.RuleConfig, tasks []ApprovalTask, acting ApprovalTask) Outcome {
	// A designated approver's yes is unconditionally sufficient.
	switch cfg.Mode {
	case company.RuleSpecific, company.RuleHybrid:
		for _, id := range cfg.SpecificApprovers {
			if id == acting.ApproverID {
				return Outcome{Kind: OutcomeFinalApprove}
			}
		}
	}

	switch cfg.Mode {
	case company.RulePercentage, company.RuleHybrid:
		approved := 0
		for _, t := range tasks {
			if t.Status == TaskApproved {
				approved++
			}
		}
		// The acting task counts itself, so len(tasks) >= 1 here. A zero
		// threshold is satisfied by the first approval; ties satisfy.
		if float64(approved)/float64(len(tasks))*100 >= cfg.PercentageThreshold {
			return Outcome{Kind: OutcomeFinalApprove}
		}
	}

	if acting.Level >= chainCap(cfg.Mode) {
		return Outcome{Kind: OutcomeFallbackApprove}
	}
	return Outcome{Kind: OutcomeAdvance, NextLevel: acting.Level + 1}
}
