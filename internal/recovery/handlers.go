package recovery

import (
	"github.com/tideswap/tidewallet/internal/storage"
)

// legResolution is the outcome of reconciling one leg against the chain.
type legResolution struct {
	State         storage.SwapState
	LockupTxID    string
	ClaimTxID     string
	RefundTxID    string
	FailureReason string
}

// legSide distinguishes which party funded the leg: funds on an outbound
// leg are ours to refund after timeout, funds on an inbound leg are not.
type legSide int

const (
	outboundLeg legSide = iota
	inboundLeg
)

// resolveLeg derives a leg's state from its onchain history. Precedence:
// a confirmed claim completes the swap, any refund spend wins next, an
// elapsed timeout makes outbound funds refundable, an observed lockup is
// in flight, and with nothing observed the swap is still as created.
// When both a claim and a refund spend exist, the claim stands only if
// it is strictly more mature; otherwise the swap is failed rather than
// guessed at.
func resolveLeg(h LegHistory, tip uint32, leg *storage.SwapLeg, side legSide) legResolution {
	res := legResolution{State: storage.SwapStateCreated}
	if lockup := mostMature(h.Lockup, tip); lockup != nil {
		res.LockupTxID = lockup.TxID
	}

	claim := mostMature(h.Claim, tip)
	refund := mostMature(h.Refund, tip)

	if claim != nil && refund != nil {
		if claim.maturity(tip) > refund.maturity(tip) {
			refund = nil
		} else {
			res.State = storage.SwapStateFailed
			res.FailureReason = "ambiguous resolution: conflicting claim and refund spends"
			res.ClaimTxID = claim.TxID
			res.RefundTxID = refund.TxID
			return res
		}
	}

	if claim != nil {
		res.ClaimTxID = claim.TxID
		if claim.settled(tip) {
			res.State = storage.SwapStateComplete
		} else {
			res.State = storage.SwapStatePending
		}
		return res
	}

	if refund != nil {
		res.RefundTxID = refund.TxID
		res.State = storage.SwapStateRefunded
		return res
	}

	if tip > leg.TimeoutHeight {
		// Outbound funds past timeout are reclaimable by us whether or
		// not the lockup has been observed yet; an inbound swap simply
		// lapses.
		if side == outboundLeg {
			res.State = storage.SwapStateRefundable
		} else {
			res.State = storage.SwapStateExpired
		}
		return res
	}

	if lockup := mostMature(h.Lockup, tip); lockup != nil {
		if lockup.settled(tip) {
			res.State = storage.SwapStatePending
		} else {
			res.State = storage.SwapStateWaitingConfirmation
		}
		return res
	}

	return res
}

// stateRank orders the non-terminal progression so a two-leg swap can be
// summarized by its least advanced leg.
func stateRank(s storage.SwapState) int {
	switch s {
	case storage.SwapStateCreated:
		return 0
	case storage.SwapStateWaitingConfirmation:
		return 1
	case storage.SwapStatePending:
		return 2
	case storage.SwapStateComplete:
		return 3
	default:
		return 0
	}
}

// combineLegs folds the two legs of a chain swap into one state. A
// failure or refund on either leg decides the swap; completion requires
// both legs; otherwise the swap is only as far along as its slower leg.
func combineLegs(user, remote legResolution) legResolution {
	for _, r := range []legResolution{user, remote} {
		if r.State == storage.SwapStateFailed {
			return r
		}
	}
	for _, r := range []legResolution{user, remote} {
		if r.State == storage.SwapStateRefunded {
			return r
		}
	}
	if user.State == storage.SwapStateComplete && remote.State == storage.SwapStateComplete {
		return user
	}
	for _, r := range []legResolution{user, remote} {
		if r.State == storage.SwapStateRefundable {
			return r
		}
	}
	for _, r := range []legResolution{user, remote} {
		if r.State == storage.SwapStateExpired {
			return r
		}
	}
	if stateRank(user.State) <= stateRank(remote.State) {
		return user
	}
	return remote
}

// resolveSwap reconciles a whole swap record against the wallet history.
// It returns the combined state plus the per-leg resolutions so observed
// transaction ids can be written back to each leg.
func resolveSwap(swap *storage.SwapRecord, src HistorySource, tip uint32) (combined, user legResolution, remote *legResolution) {
	userHist := src.History(&swap.Leg)
	switch swap.Kind {
	case storage.SwapKindReceive:
		// The counterparty funds the lockup; we claim.
		user = resolveLeg(userHist, tip, &swap.Leg, inboundLeg)
		return user, user, nil
	case storage.SwapKindSend:
		// We fund the lockup; the counterparty claims with the preimage.
		user = resolveLeg(userHist, tip, &swap.Leg, outboundLeg)
		return user, user, nil
	case storage.SwapKindChainReceive, storage.SwapKindChainSend:
		userSide := inboundLeg
		remoteSide := outboundLeg
		if swap.Kind == storage.SwapKindChainSend {
			userSide, remoteSide = outboundLeg, inboundLeg
		}
		user = resolveLeg(userHist, tip, &swap.Leg, userSide)
		if swap.RemoteLeg == nil {
			return user, user, nil
		}
		remoteRes := resolveLeg(src.History(swap.RemoteLeg), tip, swap.RemoteLeg, remoteSide)
		return combineLegs(user, remoteRes), user, &remoteRes
	default:
		combined = legResolution{
			State:         storage.SwapStateFailed,
			FailureReason: "unknown swap kind: " + string(swap.Kind),
		}
		return combined, combined, nil
	}
}

// HistorySource provides per-leg transaction history. The production
// implementation classifies the wallet's transaction index.
type HistorySource interface {
	History(leg *storage.SwapLeg) LegHistory
}
