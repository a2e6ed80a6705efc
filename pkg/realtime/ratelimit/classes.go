package ratelimit

// Action classes assigned to inbound event kinds. Screenshot uploads get
// a far stricter window than generic traffic.
const (
	ClassDefault    = "default"
	ClassAnalysis   = "analysis"
	ClassScreenshot = "screenshot"
)
