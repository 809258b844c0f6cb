package supervisor

import (
	"fmt"
	"strings"

	"github.com/slongfield/pyfmt"

	"basecamp/internal/domain"
)

// Fixed texts that reach the caller or the session history.
const (
	NoDocumentsText        = "No relevant documents found."
	RoutingErrorText       = "[System error] Could not initialise routing."
	streamErrorPrefix      = "[Agent error] Failed during response streaming: "
	contextFailureText     = "[Context unavailable: the agent failed to answer]"
	unnamedDocument        = "Unnamed Document"
	multiAgentSentinel     = "multi_summary"
	defaultSystemPrompt    = "You are a helpful assistant."
	noDescriptionAvailable = "No description provided"
)

const classifierTemplate = `
Given the conversation so far:

{history}

And the user input:
"{input}"

Classify the input as either 'clear' or 'vague'. Respond with one word.
`

const clarifierTemplate = `
You are Basecamp, a helpful assistant for your organisation.

If the user's question is too vague, ask a clarifying question.
Do not answer the question yet, just ask for clarification.

Basecamp routes questions to specialist agents. These agents include:
{agent_list}

User: {input}
Assistant:`

const supervisorTemplate = `
You are Basecamp, a supervisory assistant for your organisation.

You oversee a group of specialised assistant agents:
{agent_list}

Your role is to:
1. Assess user questions
2. Ask clarifying questions if the query is too vague or underspecified
3. Once you have enough detail, pass the clarified question to the appropriate specialist agent
4. Maintain professionalism, internal language, and context awareness

User context:
- Department: {user_department}
- Role: {user_role}
- Location: {user_location}
- Seniority: {user_seniority}

Never guess. If information is missing, ask for it before passing to another agent.
`

const orgContextTemplate = `
You are Organisation Context Bot, a specialised assistant built inside the internal Basecamp AI system.

Your job is to help people understand:
- What Basecamp AI is within their organisation
- What agents are available
- What each agent is for
- How this platform supports internal workflows

You are not related to or part of any external platform like Basecamp.com. Ignore all external tools or public products called "Basecamp".

Basecamp AI is an internal assistant platform that lets staff interact with intelligent agents that help them get work done.

Agent Summary:
{agent_list}

Always answer only within the scope of the internal Basecamp platform.

If someone asks "who are you?", explain that you are an internal context assistant that can describe how Basecamp works and what agents are available.

Respond with clear, helpful answers in a friendly tone, and point users to specific agents if helpful.
`

const documentsTemplate = `{prompt}

Use the following internal documents to answer the user's question.
Only answer based on the content. Do not say you don't have the document, it is provided below.

Documents:
{documents}
`

const selfEvalTemplate = `On a scale from 1 to 99, how confident are you that you can answer the following question well, given your role and instructions?
Respond with a single number only.

Question: {input}`

const synthesisTemplate = `You are preparing one answer for a colleague from several internal specialist briefings.

Question: {input}

Briefings, most relevant first:
{briefings}

Write a single, unified, technically consistent answer to the question.
Do not mention that multiple sources or specialists were consulted, and do not name any source.
Where the briefings contradict each other, resolve the contradiction and present one consistent answer.`

// render fills named {placeholders} in tmpl. Templates that are not valid
// format strings (stray braces in a user supplied prompt) fall back to plain
// placeholder substitution so a registration can never break a turn.
func render(tmpl string, vars map[string]any) string {
	out, err := pyfmt.Fmt(tmpl, vars)
	if err == nil {
		return out
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// formatHistory renders turns as "role: content" lines.
func formatHistory(history []domain.Message) string {
	lines := make([]string, len(history))
	for i, m := range history {
		lines[i] = m.Role + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

// formatPassages tags each non-empty passage with its source.
func formatPassages(passages []domain.Passage) string {
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		if !p.HasContent() {
			continue
		}
		source := strings.TrimSpace(p.Source)
		if source == "" {
			source = unnamedDocument
		}
		parts = append(parts, "["+source+"]\n"+strings.TrimSpace(p.Content))
	}
	return strings.Join(parts, "\n\n")
}

// framingPrompt builds the supervisor's own system framing for a caller.
func framingPrompt(profile domain.UserProfile, agentList string) string {
	p := profile.WithDefaults()
	return render(supervisorTemplate, map[string]any{
		"agent_list":      agentList,
		"user_department": p.Department,
		"user_role":       p.Role,
		"user_location":   p.Location,
		"user_seniority":  p.Seniority,
	})
}
