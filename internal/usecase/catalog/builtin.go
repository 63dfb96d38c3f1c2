package catalog

import "aivis/internal/domain"

// builtinAgents is the visibility-analysis pipeline shipped with the engine.
var builtinAgents = []domain.AgentDescriptor{
	{
		ID:            "page-analysis",
		Category:      domain.CategoryDiscovery,
		Description:   "Fetch and analyse the target's key pages: titles, structure, schema markup, entities.",
		FailurePolicy: domain.PolicyFail,
	},
	{
		ID:              "competitor-discovery",
		Category:        domain.CategoryDiscovery,
		Description:     "Identify the competitors that share the target's search intent.",
		Inputs:          []string{"page-analysis"},
		ParallelCapable: true,
		FailurePolicy:   domain.PolicySkip,
	},
	{
		ID:              "tavily-research",
		Category:        domain.CategoryResearch,
		Description:     "Run web research queries about the brand and its category.",
		Inputs:          []string{"page-analysis"},
		ParallelCapable: true,
		FailurePolicy:   domain.PolicyRetry,
		Retryable:       true,
		FallbackPolicy:  domain.PolicySkip,
	},
	{
		ID:              "google-aio",
		Category:        domain.CategoryResearch,
		Description:     "Check presence in AI overviews for the target's core queries.",
		Inputs:          []string{"page-analysis"},
		ParallelCapable: true,
		FailurePolicy:   domain.PolicySkip,
	},
	{
		ID:              "llm-mentions",
		Category:        domain.CategoryResearch,
		Description:     "Query assistant answers for brand mentions and citations.",
		Inputs:          []string{"page-analysis"},
		ParallelCapable: true,
		FailurePolicy:   domain.PolicyRetry,
		Retryable:       true,
		FallbackPolicy:  domain.PolicySkip,
	},
	{
		ID:              "content-gap-analysis",
		Category:        domain.CategoryAnalysis,
		Description:     "Compare the target's coverage against competitors and research findings.",
		Inputs:          []string{"page-analysis", "competitor-discovery"},
		ParallelCapable: true,
		FailurePolicy:   domain.PolicySkip,
	},
	{
		ID:            "visibility-scoring",
		Category:      domain.CategoryAnalysis,
		Description:   "Score overall AI-search visibility from page analysis and research.",
		Inputs:        []string{"page-analysis", "tavily-research"},
		FailurePolicy: domain.PolicyFail,
	},
	{
		ID:             "recommendations",
		Category:       domain.CategoryOutput,
		Description:    "Produce prioritised recommendations to raise visibility.",
		Inputs:         []string{"visibility-scoring"},
		FailurePolicy:  domain.PolicyRetry,
		Retryable:      true,
		FallbackPolicy: domain.PolicyFail,
	},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return MustNew(builtinAgents)
}
