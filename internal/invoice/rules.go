package invoice

// RuleStatus is the outcome of a single validation rule.
type RuleStatus string

const (
	RulePass RuleStatus = "PASS"
	RuleFail RuleStatus = "FAIL"
	RuleWarn RuleStatus = "WARN"
)

// RuleResult is produced fresh on every validation run and only aggregated afterwards.
type RuleResult struct {
	RuleID    string     `json:"rule_id"`
	Status    RuleStatus `json:"status"`
	Message   string     `json:"message"`
	Severity  int        `json:"severity"`
	Deduction float64    `json:"deduction_points"`
}
