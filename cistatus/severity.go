package cistatus

// systemSeverity is the CiSystem and view precedence. The first entry whose
// bit is present in the OR of all inputs wins.
var systemSeverity = []StatusType{
	StatusFail,
	StatusSuccess,
	StatusAborted,
	StatusSkip,
}

// MergeSystemStatus folds rule outcomes of one CiSystem (or the jobs of one view)
// into a single code. A lone Success outranks Aborted/Skip; Skip when nothing matches.
func MergeSystemStatus(codes []StatusType) StatusType {
	var mask StatusType
	for _, c := range codes {
		mask |= c
	}
	for _, s := range systemSeverity {
		if mask&s != 0 {
			return s
		}
	}
	return StatusSkip
}

// MergeProductStatus is the ProductCi policy. It is deliberately not the same
// algorithm as MergeSystemStatus.
func MergeProductStatus(codes []StatusType) StatusType {
	if len(codes) == 0 {
		return StatusSkip
	}
	switch {
	case allEqual(codes, StatusSuccess):
		return StatusSuccess
	case allEqual(codes, StatusError):
		return StatusError
	case contains(codes, StatusInProgress):
		return StatusInProgress
	case contains(codes, StatusFail):
		return StatusFail
	default:
		return StatusSkip
	}
}

func allEqual(codes []StatusType, want StatusType) bool {
	for _, c := range codes {
		if c != want {
			return false
		}
	}
	return true
}

func contains(codes []StatusType, want StatusType) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}
