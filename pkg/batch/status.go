package batch

import "github.com/nodenexus/nodenexus/pkg/types"

// ParentStatus computes the parent's status from its children. The
// second return is false while any child is still non-terminal, in which
// case the parent keeps its current status (Executing or Terminating).
func ParentStatus(children []types.ChildTaskStatus) (types.BatchTaskStatus, bool) {
	if len(children) == 0 {
		return "", false
	}
	anyFailure := false
	anyTerminated := false
	for _, st := range children {
		if !st.IsTerminal() {
			return "", false
		}
		if st.IsFailure() {
			anyFailure = true
		}
		if st == types.ChildStatusTerminated {
			anyTerminated = true
		}
	}
	switch {
	case anyFailure:
		return types.BatchStatusCompletedWithErrors, true
	case anyTerminated:
		return types.BatchStatusTerminated, true
	default:
		return types.BatchStatusCompletedSuccessfully, true
	}
}
