package orchestration

import (
	"context"

	"github.com/actionplane/actionplane/core"
	"github.com/actionplane/actionplane/resilience"
	"github.com/actionplane/actionplane/telemetry"
)

// dispatchFallback walks the decision's fallback chain after the primary
// platform failed terminally. Parameters are translated from the primary's
// dialect through the registry's mapping for each target; platforms whose
// breaker is open are skipped without an attempt. The walk stops at the
// first success or when the chain is exhausted, in which case the last
// failure stands as the action's result.
func (e *Executor) dispatchFallback(ctx context.Context, rec *core.ActionRecord, primaryRes *core.ActionResult) *core.ActionResult {
	decision := rec.Decision
	primary := decision.Platform

	lastRes := primaryRes
	for _, alt := range decision.FallbackChain {
		if ctx.Err() != nil {
			break
		}
		// The primary already failed terminally; a chain entry repeating it
		// is skipped.
		if alt == primary {
			continue
		}
		if _, err := e.adapters.Client(alt); err != nil {
			e.logger.Warn("Fallback platform has no adapter", map[string]interface{}{
				"operation": "fallback",
				"action_id": decision.ID,
				"platform":  string(alt),
			})
			continue
		}

		if e.guards.Guard(alt).Breaker.State() == resilience.StateOpen {
			telemetry.RecordFallbackAttempt(string(primary), string(alt), "skipped")
			EmitFallbackSkipped(ctx, decision.ID, string(alt))
			e.logger.Debug("Skipping fallback platform, breaker open", map[string]interface{}{
				"operation": "fallback",
				"action_id": decision.ID,
				"platform":  string(alt),
			})
			continue
		}

		mapped := e.adapters.MapParams(decision.Type, primary, alt, decision.Params)
		res := e.runPlatform(ctx, rec, alt, mapped)
		res.UsedFallback = true
		res.FallbackPlatform = alt

		if res.OK {
			telemetry.RecordFallbackAttempt(string(primary), string(alt), "success")
			telemetry.RecordFallbackUsed(string(primary), string(alt))
			e.logger.Info("Fallback platform succeeded", map[string]interface{}{
				"operation": "fallback",
				"action_id": decision.ID,
				"from":      string(primary),
				"to":        string(alt),
			})
			return res
		}

		telemetry.RecordFallbackAttempt(string(primary), string(alt), "error")
		lastRes = res
	}

	return lastRes
}
