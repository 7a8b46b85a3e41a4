package models

// DecisionKind is the restart verdict of the retry coordinator.
type DecisionKind string

const (
	ResumeAtRank    DecisionKind = "ResumeAtRank"
	RerunFromStart  DecisionKind = "RerunFromStart"
	RunPostTaskOnly DecisionKind = "RunPostTaskOnly"
	RefuseTerminal  DecisionKind = "RefuseTerminal"
)

// Decision carries the verdict plus the rank to resume at or the refusal code.
type Decision struct {
	Kind DecisionKind
	Rank int
	Code ErrorCode
}

// Refused reports whether the decision forbids a new attempt.
func (d Decision) Refused() bool {
	return d.Kind == RefuseTerminal
}
