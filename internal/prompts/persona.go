package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultPersona is the base system instruction for live replies.
const DefaultPersona = `You are Kiku, a desktop AI companion. Your personality is helpful and friendly.
Respond to the user concisely.`

// knownFactsTemplate frames the user's stored facts. The single format
// verb is the facts as indented JSON.
const knownFactsTemplate = `

--- ADDITIONAL INFORMATION YOU ALREADY KNOW ---
Here are some facts you already know about the user. Do not ask about them again and use them to personalize the conversation.
Known Facts:
%s
--- END OF ADDITIONAL INFORMATION ---`

// EmptyHistoryMessage is streamed instead of a reply when there is
// nothing to respond to.
const EmptyHistoryMessage = "Conversation history is empty. Please send a message."

// SystemInstruction returns the persona with the user's known facts
// appended. An empty persona selects DefaultPersona; no facts leaves the
// persona untouched.
func SystemInstruction(persona string, facts map[string]any) string {
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	if len(facts) == 0 {
		return persona
	}
	enc, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return persona
	}
	return persona + fmt.Sprintf(knownFactsTemplate, string(enc))
}
