package supervisor

import (
	"context"
	"fmt"

	"basecamp/internal/domain"
)

// Keys of the default global agents.
const (
	SupportAgent          = "support_bot"
	ComplianceAgent       = "compliance_bot"
	OrgContextAgent       = "org_context_bot"
	GeneralKnowledgeAgent = "general_knowledge_bot"
)

// DefaultAgents returns the global agents every deployment starts with.
// The general knowledge agent is the system fallback.
func DefaultAgents() []domain.AgentConfig {
	return []domain.AgentConfig{
		{
			Key:         SupportAgent,
			Name:        "Support Bot",
			Description: "Handles IT, access, and internal tool support.",
			PromptTemplate: "You are Support Bot. Help users with their IT and internal tool issues. " +
				"Answer clearly and concisely.\n\nUser: {input}\n{agent_name}:",
			Kind: domain.KindRetrieval,
		},
		{
			Key:  ComplianceAgent,
			Name: "Compliance Bot",
			Description: "Answers questions about internal documentation, compliance processes, activity logging guidelines, " +
				"safety policies, regulations, and formal procedures (e.g., HubSpot logging, audit trails, and approval workflows).",
			PromptTemplate: "You are Compliance Bot, a knowledgeable assistant trained on official internal documentation. " +
				"Your job is to help users understand policies, safety guidelines, activity logging procedures, and formal compliance processes.\n\n" +
				"Use the provided document context to answer the question as clearly as possible.\n" +
				"If the user asks for a summary, generate a useful summary even if the document doesn't use the exact same wording.\n" +
				"If no context is provided at all, politely let the user know.\n\n" +
				"User: {input}\n{agent_name}:",
			Kind: domain.KindRetrieval,
		},
		{
			Key:            OrgContextAgent,
			Name:           "Organisation Context Bot",
			Description:    "Answers questions about how your organisation uses Basecamp, including agent roles and system structure.",
			PromptTemplate: "You are Organisation Context Bot. Help the user understand how Basecamp works internally.",
			Kind:           domain.KindPrompt,
		},
		{
			Key:         GeneralKnowledgeAgent,
			Name:        "General Knowledge Bot",
			Description: "Answers general questions, tells jokes, shares trivia, and responds playfully to common queries.",
			PromptTemplate: "You are General Knowledge Bot, a friendly and helpful assistant who responds to general questions, " +
				"tells light-hearted jokes, shares fun trivia, and engages users in an informative and approachable tone.\n\n" +
				"Follow these rules:\n" +
				"- Answer clearly and conversationally.\n" +
				"- If the question is lighthearted (like a joke, fun fact, or trivia), keep your tone playful.\n" +
				"- If the question is general knowledge (like 'what is the capital of Peru'), give a clear factual answer.\n" +
				"- If the question is outside your scope or can't be answered with confidence, politely say so.\n" +
				"- Do NOT try to answer organisation-specific questions. Politely redirect those with: " +
				"\"I'm better at general knowledge! You might want to ask one of the other specialist agents.\"\n\n" +
				"User: {input}\nAssistant:",
			Kind: domain.KindSystem,
		},
	}
}

// Seed registers the default global agents. System agents are always
// registered; the others only when no global agent with that key was
// loaded, so edits made through the API survive a restart.
func Seed(ctx context.Context, r *Registry) error {
	for _, cfg := range DefaultAgents() {
		cfg.TenantID = domain.GlobalTenantID
		cfg.RetrievalFilter = map[string]string{"agent_id": cfg.Key}
		if cfg.Kind != domain.KindSystem {
			if _, err := r.Get(domain.GlobalTenantID, cfg.Key); err == nil {
				continue
			}
		}
		if err := r.Register(ctx, cfg); err != nil {
			return fmt.Errorf("seed %s: %w", cfg.Key, err)
		}
	}
	return nil
}
