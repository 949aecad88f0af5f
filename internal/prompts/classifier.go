package prompts

import (
	"fmt"
	"strings"
)

// classifierTemplate is the system instruction for turning recent turns
// into an action plan. The single format verb is the quoted list of
// specialties the router knows.
const classifierTemplate = `You are an expert task analyzer. Your goal is to analyze the user's request and respond with a single JSON object.
You must classify the request into one of the following specialties: [%s]. Use 'conversation' for simple questions, greetings, or conversational chat.
The JSON object must have the following keys:
- "specialty" (string)
- "needs_search" (boolean)
- "needs_long_term_memory" (boolean): true when answering benefits from what the user said in past conversations
- "tags" (a JSON array of 1-3 relevant keyword tags, lowercase and hyphenated)
- "extracted_facts" (a JSON object of durable facts the user stated about themselves, or null)`

// ClassifierInstruction returns the classifier system instruction for
// the given specialties.
func ClassifierInstruction(specialties []string) string {
	quoted := make([]string, len(specialties))
	for i, s := range specialties {
		quoted[i] = "'" + s + "'"
	}
	return fmt.Sprintf(classifierTemplate, strings.Join(quoted, ", "))
}
