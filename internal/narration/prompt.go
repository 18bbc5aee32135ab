package narration

import "strings"

// UserPlaceholder is replaced by the configured user name in system prompts.
const UserPlaceholder = "{{user}}"

// DefaultPersona instructs the model to answer in Japanese and tag every sentence with its
// English translation, which is the format the segmenter consumes.
const DefaultPersona = "You are a clever, helpful friend with a slightly tsundere streak. " +
	"You are talking with " + UserPlaceholder + ". " +
	"STRICT RESPONSE RULES: answer ONLY in Japanese. " +
	"Directly after every complete Japanese sentence, give its English translation wrapped as " +
	"<<english translation>>, with no line break between the sentence and the opening marker. " +
	"EXAMPLE: コードを書くのは楽しいです。<<Writing code is fun.>>"

// SystemPrompt renders the instruction sent ahead of every user message.
func SystemPrompt(template, userName string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultPersona
	}
	return strings.ReplaceAll(template, UserPlaceholder, userName)
}
