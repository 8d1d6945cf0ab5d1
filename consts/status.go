package consts

// Message lifecycle statuses. A message enters the system as StatusReceived
// and ends in exactly one of the terminal states. The only transition out of
// a terminal state is failed -> forwarded, performed by the retry scheduler
// once every outstanding forward log has succeeded.
const (
	StatusReceived   = "received"
	StatusClassified = "classified"
	StatusForwarded  = "forwarded"
	StatusArchived   = "archived"
	StatusFailed     = "failed"
)

// Forward log statuses.
const (
	ForwardPending = "pending"
	ForwardSuccess = "success"
	ForwardFailed  = "failed"
)

// Rule actions.
const (
	ActionForward = "forward"
	ActionLog     = "log"
	ActionArchive = "archive"
	ActionReject  = "reject"
)

// Rule condition match modes: "all" is conjunctive, "any" disjunctive.
const (
	MatchModeAll = "all"
	MatchModeAny = "any"
)

// DKIM verification results.
const (
	AuthPass  = "pass"
	AuthFail  = "fail"
	AuthNone  = "none"
	AuthError = "error"
	// SPF only.
	AuthSoftfail = "softfail"
)
