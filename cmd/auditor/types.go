package main

// outcome is the result of auditing one notification.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeConsistent
	outcomeDrift
)

func (o outcome) String() string {
	switch o {
	case outcomeConsistent:
		return "consistent"
	case outcomeDrift:
		return "drift"
	default:
		return "skipped"
	}
}
