package conversation

import (
	"fmt"
	"strings"
)

const promptWithContext = `You are a professional and friendly customer service assistant. Answer the user's question accurately and helpfully, taking the conversation history into account.

Conversation history (last %d rounds):
%s

Current question: %s

Give an accurate, professional answer in a friendly and patient tone. If the current question relates to the earlier conversation, keep your answer consistent with it.

Answer:`

const promptWithoutContext = `You are a professional and friendly customer service assistant. Answer the user's question accurately and helpfully.

User question: %s

Give an accurate, professional answer in a friendly and patient tone.

Answer:`

// ComposePrompt renders the prompt sent upstream for question.
func ComposePrompt(w Window, question string) string {
	if len(w.Lines) == 0 {
		return fmt.Sprintf(promptWithoutContext, question)
	}
	return fmt.Sprintf(promptWithContext, w.Rounds, strings.Join(w.Lines, "\n"), question)
}
