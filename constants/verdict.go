package constants

// Verdict is the quality classification attached to a segmentation result.
type Verdict string

const (
	VerdictAutoAccept  Verdict = "AUTO_ACCEPT"
	VerdictNeedsReview Verdict = "NEEDS_REVIEW"
)
