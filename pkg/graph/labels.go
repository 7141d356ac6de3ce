package graph

import "fmt"

// LoopLabels derives the labels shown for a loop.
//
// The first label is the explicit label, or "condition" when only a condition
// is set. The second label is "max N" when an iteration cap is set. When the
// loop carries nothing but the cap, the single label is the bare count "N×".
func LoopLabels(loop *Loop) []string {
	if loop == nil {
		return nil
	}

	hasLabel := loop.Label != nil && *loop.Label != ""
	hasCondition := loop.Condition != nil && *loop.Condition != ""

	if !hasLabel && !hasCondition {
		if loop.MaxIterations != nil {
			return []string{fmt.Sprintf("%d×", *loop.MaxIterations)}
		}
		return nil
	}

	labels := make([]string, 0, 2)
	if hasLabel {
		labels = append(labels, *loop.Label)
	} else {
		labels = append(labels, "condition")
	}
	if loop.MaxIterations != nil {
		labels = append(labels, fmt.Sprintf("max %d", *loop.MaxIterations))
	}
	return labels
}
