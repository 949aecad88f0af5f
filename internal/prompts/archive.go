package prompts

import (
	"fmt"
	"strings"
)

// SegmenterInstruction asks for a topic partition of a transcript given
// as a JSON array of {"role", "text"} objects.
const SegmenterInstruction = `You are a conversation analysis expert. Your task is to read a conversation transcript and segment it into distinct topics. Each topic should be a self-contained block of messages.
Respond ONLY with a valid JSON object. The JSON object should have keys representing the topic (e.g., "topic_1", "topic_2") and the value for each key should be an array of the message objects that belong to that topic, copied exactly as given.`

// SummarizerInstruction asks for a dense third-person memory summary.
const SummarizerInstruction = `You are a memory summarization expert. Your task is to read a conversation and create a concise, third-person summary of the key information.
Focus on facts, user preferences, decisions made, and main topics discussed. Ignore greetings and pleasantries. The summary should be dense with information.`

// TaggingRules constrain every tag the tagger produces.
const TaggingRules = `CRITICAL RULE FOR TAGS: Tags must describe the CORE TOPIC of the text.
DO NOT create tags about the language (e.g., 'portuguese-language').
DO NOT create generic tags like 'greeting', 'question', 'user-preference', or 'conversational'.
Good tags are specific, hyphenated, lowercase concepts like 'memory-architecture', 'python-for-loop', or 'agile-methodology'.
The primary goal is accuracy and specificity.`

const taggerTemplate = `You are an expert librarian AI. Your job is to analyze a conversation summary and a list of candidate tags. Your goal is to create a final, clean list of 3-5 keywords that best describe the summary.

%s%sRULE: Your primary goal is accuracy. If a new, more specific tag is better than reusing an old one, create it.

--- GENERAL TAGGING RULES ---
%s

Respond ONLY with a valid JSON array of strings.`

const vocabularySection = `--- MASTER VOCABULARY (All Time) ---
Here is a master list of all tags known to the system: [%s]
RULE: Strongly prioritize reusing a tag from this master list to maintain long-term consistency.
`

const sessionSection = `--- SESSION TAGS (This Session) ---
Here are preferred tags from the current session: [%s]
RULE: Also prioritize reusing a tag from this list if it's a perfect match.
`

// TaggerInstruction returns the tag consolidation system instruction.
// Empty vocabulary or session lists drop their sections.
func TaggerInstruction(vocabulary, session []string) string {
	var vocab, sess string
	if len(vocabulary) > 0 {
		vocab = fmt.Sprintf(vocabularySection, strings.Join(vocabulary, ", "))
	}
	if len(session) > 0 {
		sess = fmt.Sprintf(sessionSection, strings.Join(session, ", "))
	}
	return fmt.Sprintf(taggerTemplate, vocab, sess, TaggingRules)
}

const taggerInputTemplate = `Conversation Summary:
---
%s
---

Candidate Tags from conversation: [%s]`

// TaggerInput returns the user turn for tag consolidation.
func TaggerInput(summary string, candidates []string) string {
	return fmt.Sprintf(taggerInputTemplate, summary, strings.Join(candidates, ", "))
}
