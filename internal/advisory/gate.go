// Package advisory performs AI-assisted risk analysis of patch deployments
// and gates automatic approval behind a conservative decision rule. When the
// model is unreachable or returns garbage, analysis degrades to a rule-based
// assessment that can never auto-approve on its own.
package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Auto-approval requires an explicit APPROVE below this risk level.
const autoApproveRiskThreshold = 4

// Oracle produces a free-form analysis for a prompt. Implementations wrap a
// model API; the gate handles all parsing and fallback.
type Oracle interface {
	Analyze(ctx context.Context, prompt string) (string, error)
	Model() string
}

// PatchSummary is the deployment context handed to the analysis.
type PatchSummary struct {
	PatchID     string   `json:"patchId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	DeviceIDs   []string `json:"deviceIds"`
	CVEs        []string `json:"cves,omitempty"`
}

// Analysis is the structured risk assessment of a single patch deployment.
type Analysis struct {
	Recommendation    string   `json:"recommendation"`
	Reasoning         string   `json:"reasoning"`
	RiskLevel         int      `json:"riskLevel"`
	BusinessImpact    string   `json:"businessImpact"`
	Confidence        float64  `json:"confidence"`
	DeploymentSteps   []string `json:"deploymentSteps"`
	RollbackPlan      string   `json:"rollbackPlan"`
	EstimatedDuration string   `json:"estimatedDuration"`

	ModelUsed  string    `json:"modelUsed"`
	AnalyzedAt time.Time `json:"analyzedAt"`
	Note       string    `json:"note,omitempty"`
}

// Decision is the gate's verdict on whether a deployment may proceed without
// a human in the loop.
type Decision struct {
	Approved       bool   `json:"approved"`
	RiskLevel      int    `json:"riskLevel"`
	Recommendation string `json:"recommendation"`
	Reasoning      string `json:"reasoning"`
}

// Gate evaluates patch deployments. A nil oracle means every analysis takes
// the rule-based path.
type Gate struct {
	oracle Oracle
	logger *slog.Logger
}

// NewGate creates a gate backed by the given oracle.
func NewGate(oracle Oracle, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{oracle: oracle, logger: logger}
}

// Evaluate analyzes the deployment and decides whether it may proceed
// automatically. Approval requires both an explicit APPROVE recommendation
// and a risk level below the threshold; every failure mode lands on the
// rule-based analysis, whose minimum risk level equals the threshold, so a
// degraded gate can never auto-approve.
func (g *Gate) Evaluate(ctx context.Context, patch PatchSummary) (Decision, Analysis) {
	analysis := g.Analyze(ctx, patch)

	approved := analysis.RiskLevel < autoApproveRiskThreshold &&
		analysis.Recommendation == "APPROVE"

	g.logger.Info("advisory gate decision",
		"patch_id", patch.PatchID,
		"approved", approved,
		"risk_level", analysis.RiskLevel,
		"recommendation", analysis.Recommendation)

	return Decision{
		Approved:       approved,
		RiskLevel:      analysis.RiskLevel,
		Recommendation: analysis.Recommendation,
		Reasoning:      analysis.Reasoning,
	}, analysis
}

// Analyze produces a risk assessment for the deployment. Oracle failures,
// unparseable responses, and out-of-range values all degrade to the
// rule-based analysis instead of returning an error.
func (g *Gate) Analyze(ctx context.Context, patch PatchSummary) Analysis {
	if g.oracle == nil {
		return g.fallbackAnalysis(patch, "advisory model not configured")
	}

	raw, err := g.oracle.Analyze(ctx, buildPrompt(patch))
	if err != nil {
		g.logger.Error("advisory model call failed", "patch_id", patch.PatchID, "error", err)
		return g.fallbackAnalysis(patch, "advisory model unavailable")
	}

	analysis, err := parseAnalysis(raw)
	if err != nil {
		g.logger.Error("advisory response unparseable", "patch_id", patch.PatchID, "error", err)
		return g.fallbackAnalysis(patch, "advisory response unparseable")
	}

	analysis.ModelUsed = g.oracle.Model()
	analysis.AnalyzedAt = time.Now().UTC()
	return analysis
}

func buildPrompt(patch PatchSummary) string {
	var b strings.Builder
	b.WriteString("You are an expert IT operations analyst specializing in patch management and cybersecurity risk assessment.\n\n")
	b.WriteString("Analyze the following patch deployment scenario and provide a comprehensive risk assessment:\n\n")
	fmt.Fprintf(&b, "PATCH INFORMATION:\n- Title: %s\n- Severity: %s\n- Description: %s\n\n",
		patch.Title, patch.Severity, patch.Description)
	fmt.Fprintf(&b, "AFFECTED SYSTEMS:\n- Total Devices: %d\n\n", len(patch.DeviceIDs))
	if len(patch.CVEs) > 0 {
		fmt.Fprintf(&b, "RELATED VULNERABILITIES:\n- %s\n\n", strings.Join(patch.CVEs, "\n- "))
	}
	b.WriteString(`Provide your analysis in the following JSON format:
{
    "recommendation": "APPROVE|REVIEW|REJECT",
    "reasoning": "Detailed explanation of your recommendation",
    "riskLevel": 1-10 (1=lowest, 10=highest),
    "businessImpact": "LOW|MEDIUM|HIGH|CRITICAL",
    "confidence": 0.0-1.0,
    "deploymentSteps": ["Step 1: ...", "Step 2: ..."],
    "rollbackPlan": "Description of rollback procedure",
    "estimatedDuration": "Expected deployment time"
}

Respond ONLY with valid JSON.`)
	return b.String()
}

// parseAnalysis decodes the model response, tolerating prose around the JSON
// object. Responses with out-of-range or missing required fields are
// rejected so the caller falls back rather than trusting a malformed
// assessment.
func parseAnalysis(raw string) (Analysis, error) {
	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return Analysis{}, fmt.Errorf("no JSON object in response")
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &analysis); err != nil {
			return Analysis{}, fmt.Errorf("failed to decode analysis: %w", err)
		}
	}

	switch analysis.Recommendation {
	case "APPROVE", "REVIEW", "REJECT":
	default:
		return Analysis{}, fmt.Errorf("unknown recommendation %q", analysis.Recommendation)
	}
	if analysis.RiskLevel < 1 || analysis.RiskLevel > 10 {
		return Analysis{}, fmt.Errorf("risk level %d out of range", analysis.RiskLevel)
	}

	return analysis, nil
}

// fallbackAnalysis is the rule-based assessment used when the model cannot
// be consulted. CRITICAL and HIGH patches are routed to manual review; the
// rest are approved at the threshold risk level, which still blocks
// automatic approval.
func (g *Gate) fallbackAnalysis(patch PatchSummary, note string) Analysis {
	severity := strings.ToUpper(patch.Severity)

	recommendation := "APPROVE"
	riskLevel := 4
	reasoning := fmt.Sprintf("Automated analysis based on %s severity. Patch approved for deployment.", severity)

	switch severity {
	case "CRITICAL":
		recommendation = "REVIEW"
		riskLevel = 8
		reasoning = fmt.Sprintf("Automated analysis based on %s severity. Critical patch requires manual review.", severity)
	case "HIGH":
		recommendation = "REVIEW"
		riskLevel = 6
		reasoning = fmt.Sprintf("Automated analysis based on %s severity. Critical patch requires manual review.", severity)
	}

	return Analysis{
		Recommendation: recommendation,
		Reasoning:      reasoning,
		RiskLevel:      riskLevel,
		BusinessImpact: severity,
		Confidence:     0.7,
		DeploymentSteps: []string{
			"Create backup of affected systems",
			"Deploy to test environment first",
			"Monitor for 4 hours minimum",
			"Deploy to production during maintenance window",
			"Verify system stability post-deployment",
		},
		RollbackPlan:      "Use system restore points or previous patch version",
		EstimatedDuration: "2-4 hours",
		ModelUsed:         "fallback",
		AnalyzedAt:        time.Now().UTC(),
		Note:              note + " - using rule-based analysis",
	}
}
