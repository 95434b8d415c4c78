package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
	"github.com/dreadstar/abhaya-sensor-android/pkg/offer"
)

// Policy is a CEL expression over an "offer" map deciding whether a verified offer may be used.
//
// Fields: requestId, responder, endpoint (string); capacity, latencyMs, trustScore (int, -1 when
// the offer did not say); signed, delegated (bool). Example:
//
//	offer.signed && offer.trustScore >= 2 && offer.capacity >= 1073741824
type Policy struct {
	expr string
	prg  cel.Program
}

func NewPolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("offer", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &Policy{expr: expr, prg: prg}, nil
}

func (p *Policy) String() string { return p.expr }

// Allow evaluates the policy for o. A nil Policy allows everything.
func (p *Policy) Allow(ctx context.Context, o *offer.Offer, trustScore int) (bool, error) {
	if p == nil {
		return true, nil
	}
	out, _, err := p.prg.ContextEval(ctx, map[string]any{"offer": policyInput(o, trustScore)})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T", out.Value())
	}
	return allowed, nil
}

func policyInput(o *offer.Offer, trustScore int) map[string]any {
	capacity, latency := int64(-1), int64(-1)
	if o.AvailableCapacity != nil {
		capacity = *o.AvailableCapacity
	}
	if o.LatencyHint != nil {
		latency = *o.LatencyHint
	}
	return map[string]any{
		"requestId":  o.RequestID,
		"responder":  o.ResponderIdentity,
		"endpoint":   o.Endpoint,
		"capacity":   capacity,
		"latencyMs":  latency,
		"signed":     o.Signed(),
		"delegated":  o.Delegated(),
		"trustScore": int64(trustScore),
	}
}

// Ranked is an offer with the trust score it was ranked by.
type Ranked struct {
	Offer      *offer.Offer
	TrustScore int
}

// Rank drops offers the policy rejects and orders the rest: higher trust score first, then
// lower latency, then more capacity. Unsigned offers score 0. Offers whose score or policy
// evaluation fails are dropped.
func Rank(ctx context.Context, offers []*offer.Offer, lg ledger.Ledger, policy *Policy, logger *slog.Logger) []Ranked {
	if logger == nil {
		logger = slog.Default().With("component", "negotiation")
	}
	out := make([]Ranked, 0, len(offers))
	for _, o := range offers {
		score := 0
		if lg != nil && o.Signed() {
			s, err := lg.TrustScore(ctx, o.SignerPublicKey)
			if err != nil {
				logger.WarnContext(ctx, "trust score unavailable", "responder", o.ResponderIdentity, "error", err)
				continue
			}
			score = s
		}
		ok, err := policy.Allow(ctx, o, score)
		if err != nil {
			logger.WarnContext(ctx, "policy evaluation failed", "responder", o.ResponderIdentity, "error", err)
			continue
		}
		if !ok {
			logger.DebugContext(ctx, "offer rejected by policy", "responder", o.ResponderIdentity)
			continue
		}
		out = append(out, Ranked{Offer: o, TrustScore: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		la, lb := orMax(a.Offer.LatencyHint), orMax(b.Offer.LatencyHint)
		if la != lb {
			return la < lb
		}
		return orZero(a.Offer.AvailableCapacity) > orZero(b.Offer.AvailableCapacity)
	})
	return out
}

func orMax(p *int64) int64 {
	if p == nil {
		return 1<<63 - 1
	}
	return *p
}

func orZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
