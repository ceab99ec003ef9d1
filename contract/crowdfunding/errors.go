package crowdfunding

import "github.com/crowdfund/meta"

// Rejection reasons. The strings are what callers show to users.
var (
	ErrInvalidTarget       = meta.NewError(meta.KindInvalidArgument, "Target amount must be greater than 0")
	ErrInvalidDuration     = meta.NewError(meta.KindInvalidArgument, "Duration must be greater than 0")
	ErrDurationTooLong     = meta.NewError(meta.KindInvalidArgument, "Duration is too long")
	ErrInvalidContribution = meta.NewError(meta.KindInvalidArgument, "Contribution must be greater than 0")
	ErrCampaignNotFound    = meta.NewError(meta.KindNotFound, "Campaign does not exist")
	ErrNotCreator          = meta.NewError(meta.KindUnauthorized, "Only campaign creator can withdraw")
	ErrTargetNotReached    = meta.NewError(meta.KindPreconditionFailed, "Target amount not reached")
	ErrAlreadyWithdrawn    = meta.NewError(meta.KindPreconditionFailed, "Funds already withdrawn")
)
