// Package compliance evaluates the rule set an auction must pass before it
// may accept bids. A failed check is a normal business outcome, not an
// error: rules convert their own transient failures into failed results so
// compliance can never be silently skipped.
package compliance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// RuleResult is one rule's verdict.
type RuleResult struct {
	Rule    string `json:"rule"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// Result is the gate's overall verdict: the AND of all enabled rules.
type Result struct {
	Passed bool         `json:"passed"`
	Rules  []RuleResult `json:"rules"`
}

// Rule is one independent compliance evaluator. Evaluate must not return an
// error for its own transient failures; it reports passed=false with a
// message instead.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, evidence models.LotEvidence) RuleResult
}

// Gate runs an ordered list of rules against lot evidence.
type Gate struct {
	rules  []Rule
	logger *slog.Logger
}

// NewGate creates a Gate with the given rules, in evaluation order.
func NewGate(logger *slog.Logger, rules ...Rule) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{rules: rules, logger: logger}
}

// NewDefaultGate creates the production rule set: the mandatory certificate
// hash check plus the reserved always-pass rules.
func NewDefaultGate(evidence EvidenceStore, logger *slog.Logger) *Gate {
	return NewGate(logger,
		&certificateHashRule{evidence: evidence},
		&originDeclarationRule{},
		&pesticideResidueRule{},
	)
}

// Check evaluates every rule in order. Overall passed is the AND of the
// per-rule results.
func (g *Gate) Check(ctx context.Context, evidence models.LotEvidence) Result {
	result := Result{Passed: true}
	for _, rule := range g.rules {
		r := rule.Evaluate(ctx, evidence)
		result.Rules = append(result.Rules, r)
		if !r.Passed {
			result.Passed = false
		}
	}
	if !result.Passed {
		g.logger.Info("compliance check failed", "lot_id", evidence.LotID, "rules", result.Rules)
	}
	return result
}

// EvidenceStore resolves the registered certificate hash for a lot.
type EvidenceStore interface {
	CertificateHash(ctx context.Context, lotID string) (string, error)
}

// certificateHashRule verifies the submitted certificate hash is present
// and matches the registered one.
type certificateHashRule struct {
	evidence EvidenceStore
}

func (r *certificateHashRule) Name() string { return "certificate_hash" }

func (r *certificateHashRule) Evaluate(ctx context.Context, evidence models.LotEvidence) RuleResult {
	if evidence.CertificateHash == "" {
		return RuleResult{Rule: r.Name(), Passed: false, Message: "certificate hash is missing"}
	}
	registered, err := r.evidence.CertificateHash(ctx, evidence.LotID)
	if err != nil {
		// A transient evidence-store failure must not skip the check.
		return RuleResult{Rule: r.Name(), Passed: false,
			Message: fmt.Sprintf("certificate lookup failed: %v", err)}
	}
	if registered != evidence.CertificateHash {
		return RuleResult{Rule: r.Name(), Passed: false, Message: "certificate hash mismatch"}
	}
	return RuleResult{Rule: r.Name(), Passed: true}
}

// originDeclarationRule is reserved; it always passes in v1.
type originDeclarationRule struct{}

func (r *originDeclarationRule) Name() string { return "origin_declaration" }

func (r *originDeclarationRule) Evaluate(context.Context, models.LotEvidence) RuleResult {
	return RuleResult{Rule: r.Name(), Passed: true}
}

// pesticideResidueRule is reserved; it always passes in v1.
type pesticideResidueRule struct{}

func (r *pesticideResidueRule) Name() string { return "pesticide_residue" }

func (r *pesticideResidueRule) Evaluate(context.Context, models.LotEvidence) RuleResult {
	return RuleResult{Rule: r.Name(), Passed: true}
}
