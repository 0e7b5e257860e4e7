package cistatus

// AggregateView combines the member job checks of a view. Nil entries are
// dropped; nil is returned when nothing remains.
func AggregateView(checks []*RuleCheck) *RuleCheck {
	var (
		out   *RuleCheck
		codes []StatusType
	)
	for _, rc := range checks {
		if rc == nil {
			continue
		}
		if out == nil {
			out = &RuleCheck{}
		}
		if rc.BuildNumber > out.BuildNumber {
			out.BuildNumber = rc.BuildNumber
		}
		out.Running += rc.Running
		out.Queued += rc.Queued
		out.IsRunningNow = out.IsRunningNow || rc.IsRunningNow
		codes = append(codes, rc.StatusType)
	}
	if out == nil {
		return nil
	}
	out.StatusType = MergeSystemStatus(codes)
	return out
}
