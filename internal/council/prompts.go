package council

import (
	"fmt"
	"regexp"
)

// Default prompt templates. The settings layer ships these as editable
// defaults; the engine falls back to them when a template is empty.
const (
	DefaultStage1Prompt = `You are a helpful AI assistant.
{search_context_block}
Question: {user_query}`

	// Stage1SearchContextTemplate renders the {search_context_block} slot of
	// the Stage 1 prompt when web results are available.
	Stage1SearchContextTemplate = `You have access to the following real-time web search results.
You MUST use this information to answer the question, even if it contradicts your internal knowledge cutoff.
Do not say "I cannot access real-time information" or "My knowledge is limited to..." because you have the search results right here.

Search Results:
{search_context}
`

	DefaultStage2Prompt = `You are evaluating different responses to the following question:

Question: {user_query}

{search_context_block}
Here are the responses from different models (anonymized):

{responses_text}

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`

	DefaultStage3Prompt = `You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: {user_query}

{search_context_block}
STAGE 1 - Individual Responses:
{stage1_text}

STAGE 2 - Peer Rankings:
{stage2_text}

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`

	DefaultSearchQueryPrompt = `Extract the key search terms from this question for a web search.
Return ONLY the search terms (3-6 words), no explanation or formatting.
Focus on the main topic, entities, and time-relevant terms.
Remove question words and verbs like "analyze", "explain", "describe".

Question: {user_query}

Search terms:`
)

// TemplateError reports a template placeholder with no supplied value.
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("prompt template references unknown placeholder {%s}", e.Placeholder)
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

// RenderTemplate substitutes {name} placeholders from vars. A placeholder
// with no value is a TemplateError; callers degrade to a minimal fallback
// prompt rather than failing the request. Supplying values the template
// never references is fine.
func RenderTemplate(template string, vars map[string]string) (string, error) {
	var missing string
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return value
	})
	if missing != "" {
		return "", &TemplateError{Placeholder: missing}
	}
	return rendered, nil
}
