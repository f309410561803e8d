package dispute

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"
)

// Scoring weights. The blend and the sub-score directions are contractual:
// downstream settlement and the audit trail both assume these exact values,
// so they are not configurable.
const (
	weightEvidence      = 0.35
	weightDelivery      = 0.25
	weightVendorHistory = 0.20
	weightResponse      = 0.15
	weightEscrow        = 0.05

	confidenceFloor = 0.30
	confidenceCeil  = 0.98

	// responseWindowHours is the vendor response SLA. A vendor that has not
	// responded after this window forfeits the dispute.
	responseWindowHours = 72.0

	overrideConfidence = 0.95
)

// EngineInput is the full snapshot the engine scores. It carries everything
// needed so that Evaluate stays a pure function of its argument.
type EngineInput struct {
	EvidenceURLs       []string
	EscrowStatus       string
	History            []HistoryEntry
	CreatedAt          time.Time
	VendorResponseDate *time.Time
	MessageCount       int
	Now                time.Time
}

// Analysis is the structured breakdown persisted to ai_analysis.
type Analysis struct {
	EvidenceScore      float64 `json:"evidence_score"`
	DeliveryScore      float64 `json:"delivery_score"`
	VendorHistoryScore float64 `json:"vendor_history_score"`
	ResponseScore      float64 `json:"response_score"`
	EscrowScore        float64 `json:"escrow_score"`
	FinalScore         float64 `json:"final_score"`
	ResponseTimeHours  float64 `json:"response_time_hours"`
	VendorResponded    bool    `json:"vendor_responded"`
	EvidenceCount      int     `json:"evidence_count"`
	MessageCount       int     `json:"message_count"`
	PriorDisputes      int     `json:"prior_disputes"`
	NoResponseOverride bool    `json:"no_response_override"`
}

// Outcome is the engine's recommendation for one dispute.
type Outcome struct {
	Decision      Decision
	Justification string
	Confidence    float64
	Analysis      Analysis
	Payload       map[string]any
}

// Evaluate computes the weighted confidence score and decision for a dispute
// snapshot. It is deterministic: the same input always yields the same
// outcome, which is what makes re-running arbitration idempotent.
func Evaluate(in EngineInput) Outcome {
	a := Analysis{
		EvidenceScore:      evidenceScore(in.EvidenceURLs),
		DeliveryScore:      deliveryScore(in.EscrowStatus),
		VendorHistoryScore: vendorHistoryScore(in.History),
		EscrowScore:        escrowScore(in.EscrowStatus),
		EvidenceCount:      len(in.EvidenceURLs),
		MessageCount:       in.MessageCount,
		PriorDisputes:      len(in.History),
		VendorResponded:    in.VendorResponseDate != nil,
	}

	if in.VendorResponseDate != nil {
		a.ResponseTimeHours = in.VendorResponseDate.Sub(in.CreatedAt).Hours()
		a.ResponseScore = responseScore(a.ResponseTimeHours)
	} else {
		a.ResponseTimeHours = in.Now.Sub(in.CreatedAt).Hours()
		a.ResponseScore = 0
	}

	a.FinalScore = weightEvidence*a.EvidenceScore +
		weightDelivery*a.DeliveryScore +
		weightVendorHistory*a.VendorHistoryScore +
		weightResponse*a.ResponseScore +
		weightEscrow*a.EscrowScore

	confidence := clamp(a.FinalScore, confidenceFloor, confidenceCeil)
	decision, payload, justification := decide(a, confidence)

	// A vendor that never responded inside the SLA window forfeits the
	// dispute regardless of the computed score.
	if !a.VendorResponded && a.ResponseTimeHours > responseWindowHours {
		a.NoResponseOverride = true
		decision = DecisionRefundFull
		confidence = overrideConfidence
		payload = map[string]any{
			"percent":    100,
			"auto_apply": true,
			"reason":     "vendor_no_response",
		}
		justification = fmt.Sprintf(
			"Vendor did not respond within the %d-hour window. Full refund issued under the non-response policy.",
			int(responseWindowHours))
	}

	return Outcome{
		Decision:      decision,
		Justification: justification,
		Confidence:    confidence,
		Analysis:      a,
		Payload:       payload,
	}
}

func decide(a Analysis, confidence float64) (Decision, map[string]any, string) {
	switch {
	case a.FinalScore >= 0.80:
		just := fmt.Sprintf(
			"Evidence strongly supports the client (overall score %.0f%%; evidence %.0f%%, delivery %.0f%%, vendor history %.0f%%). Full refund recommended.",
			a.FinalScore*100, a.EvidenceScore*100, a.DeliveryScore*100, a.VendorHistoryScore*100)
		return DecisionRefundFull, map[string]any{
			"percent":    100,
			"auto_apply": true,
		}, just
	case a.FinalScore >= 0.60:
		percent := int(math.Round(50 + (a.FinalScore-0.60)*100))
		just := fmt.Sprintf(
			"Signals favour the client without being conclusive (overall score %.0f%%; evidence %.0f%%, delivery %.0f%%, vendor history %.0f%%). Partial refund of %d%% recommended.",
			a.FinalScore*100, a.EvidenceScore*100, a.DeliveryScore*100, a.VendorHistoryScore*100, percent)
		return DecisionRefundPartial, map[string]any{
			"percent":    percent,
			"auto_apply": confidence >= 0.70,
		}, just
	case a.FinalScore >= 0.40:
		just := fmt.Sprintf(
			"Evidence is inconclusive (overall score %.0f%%). The product must be returned before any refund is issued.",
			a.FinalScore*100)
		return DecisionRequireReturn, map[string]any{
			"requires_product_return": true,
		}, just
	default:
		just := fmt.Sprintf(
			"Evidence does not support the claim (overall score %.0f%%). Payment is released to the vendor.",
			a.FinalScore*100)
		return DecisionReleasePayment, map[string]any{
			"auto_apply": confidence >= 0.60,
		}, just
	}
}

// evidenceScore rewards both quantity (saturating at 5 proofs) and diversity
// (at least one image and one video).
func evidenceScore(urls []string) float64 {
	if len(urls) == 0 {
		return 0.05
	}
	quantity := math.Min(float64(len(urls))/5, 1)
	bonus := 0.0
	if containsMediaType(urls, imageExtensions) {
		bonus += 0.3
	}
	if containsMediaType(urls, videoExtensions) {
		bonus += 0.3
	}
	return math.Min(1, quantity*0.6+bonus)
}

// deliveryScore infers delivery likelihood from the escrow state: funds still
// held make non-delivery plausible, funds released suggest delivery happened.
func deliveryScore(escrowStatus string) float64 {
	switch escrowStatus {
	case "pending", "dispute":
		return 0.8
	case "released":
		return 0.2
	default:
		return 0.5
	}
}

// vendorHistoryScore blends the vendor's track record into the refund
// likelihood. The formula is intentionally literal: a vendor whose past
// resolved disputes mostly ended in their favour contributes less toward a
// refund, floored so history alone never fully decides a case.
func vendorHistoryScore(history []HistoryEntry) float64 {
	if len(history) == 0 {
		return 0.7
	}
	resolved, favorable := 0, 0
	for _, h := range history {
		if h.Status != StatusResolved {
			continue
		}
		resolved++
		if h.AIDecision == string(DecisionReleasePayment) || h.AIDecision == string(DecisionReject) {
			favorable++
		}
	}
	if resolved == 0 {
		return 0.7
	}
	ratio := float64(favorable) / float64(resolved)
	return 1 - math.Min(0.8, ratio)
}

// responseScore decays linearly to zero over the 72-hour SLA.
func responseScore(hours float64) float64 {
	return math.Max(0, 1-hours/responseWindowHours)
}

func escrowScore(escrowStatus string) float64 {
	if escrowStatus == "dispute" {
		return 1
	}
	return 0.5
}

var (
	imageExtensions = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
	}
	videoExtensions = map[string]bool{
		".mp4": true, ".mov": true, ".avi": true, ".webm": true, ".mkv": true,
	}
)

func containsMediaType(urls []string, extensions map[string]bool) bool {
	for _, raw := range urls {
		ext := strings.ToLower(path.Ext(urlPath(raw)))
		if extensions[ext] {
			return true
		}
	}
	return false
}

// urlPath strips query and fragment so signed storage URLs still classify.
func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return raw
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
