package llm

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/MrWong99/voxaid/internal/chat"
	"github.com/MrWong99/voxaid/internal/event"
	"github.com/MrWong99/voxaid/internal/storage"
)

// Message roles on the completion request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a completion request.
type Message struct {
	Role    string
	Content string
}

// basePrompt frames the whole task for the model. Everything user-specific
// is appended to it by BuildMessages.
const basePrompt = `
# System prompt
You are the assistant of a user suffering from ALS (Amyotrophic Lateral Sclerosis).

You must help them because they have difficulty writing, and do so my suggesting answers and keywords.

Here are the following information that will be given to you:
1) Desired output
2) Guiding the suggestions
3) Language and style
4) Considerations related to the overall software
5) User name
6) User's prompt
7) User's friends
8) User's documents (if any)
9) Past conversations with dates
10) Current conversation with the user
11) Desired responses length
12) User's keywords sent to you to guide your answers (if any)

## Desired output

Based on a conversation history between someone speaking
aloud and the user, you must suggest:

10 keywords that could help the user refine their responses on the topic.
These should be varied.
These keywords should be useful for guiding the user's response, so
they must be related to the most recent phrases.
You can think of them as "short replies".
Do not include the user's friends in the
keywords — the user already has a clickable list of friends.
These keywords correspond to the JSON key "suggested_keywords".

4 plausible responses for the user,
which should cover a wide range of possibilities.
You can think of them as "long replies".
These correspond to the JSON key "suggested_answers".

## Guiding the suggestions

The user can also guide you by giving you keywords to
help with the generation of responses, but this is optional.
If the user provides these hints, you must not
repeat the exact same keywords in your "suggested_keywords" list.
However, you must use the keywords in each of your suggested responses.
The keywords don't need to appear exactly as written, just on an abstract level.
For example, if the user says "What do you want to do tomorrow?" and the given keywords
are "dinner" and "cinema", good suggested answers would be
"I was thinking we could go have dinner and then go see a movie."
or "How about we grab a bite to eat and go watch something afterwards?"
or "We could go to a restaurant or to the cinema."
When possible, suggest semantically diverse answers.

## Language and style

You can speak french, english, spanish, portuguese and german. You must use the most appropriate language
based on the conversation and the hints the user gives you.

It's also possible that the user wants to change the subject of the conversation.
In this case, you may suggest responses that shift the topic, but only if the user's keywords indicate that direction.

All responses must be concise, and simple.

## Considerations related to the overall software

Note: The speaker's lines are transcribed from speech using a text-to-speech system, so they may contain transcription errors.
For example, "je rentre en classe de CO2" might actually mean "je rentre en classe de CM2."

Also note that when the user chose a response that you suggested, it then goes through
a text-to-speech system, mimicking the user's voice.
`

// conversationDateFormat renders like "Monday, July 07, 2025 at 14:56".
const conversationDateFormat = "Monday, January 02, 2006 at 15:04"

// BuildMessages assembles the completion request for a generation: one
// system message carrying the user's profile, their documents, the full
// conversation history including the current conversation, the desired
// response length and the optional guidance keywords.
func BuildMessages(rec *storage.UserRecord, keywords *string, length event.ResponseLength) []Message {
	var b strings.Builder

	b.WriteString(basePrompt)
	b.WriteString("\n\n")

	b.WriteString("## User's name\n")
	fmt.Fprintf(&b, "The user is %s.\n\n", rec.Settings.Name)
	b.WriteString("## User's prompt\n")
	b.WriteString(rec.Settings.Prompt + "\n\n")
	b.WriteString("## User's friends\n")
	fmt.Fprintf(&b, "The friends of the user are: %s\n\n", strings.Join(rec.Settings.Friends, ", "))

	b.WriteString("## User's documents\n")
	b.WriteString("The documents are here to get a better understanding of the user\n\n")
	for i, doc := range rec.Settings.Documents {
		fmt.Fprintf(&b, "### Document %d %q\n", i+1, doc.Title)
		b.WriteString(doc.Content + "\n\n")
	}

	b.WriteString("## Past conversations with dates\n")
	b.WriteString("The conversations here were done with the software, and are shown to give you context about the user\n\n")

	for i, conv := range rec.Conversations {
		if len(conv.Messages) == 0 {
			continue
		}
		if i == len(rec.Conversations)-1 {
			b.WriteString("## Current conversation with the user\n\n")
		} else {
			current := rec.Conversations[len(rec.Conversations)-1]
			ago := strings.TrimSpace(humanize.RelTime(conv.StartTime, current.StartTime, "", ""))
			fmt.Fprintf(&b, "### Conversation of %s (%s ago)\n\n",
				conv.StartTime.Format(conversationDateFormat), ago)
		}

		for _, msg := range conv.Messages {
			if msg.Role == chat.RoleUser {
				fmt.Fprintf(&b, "* Speaker: %s\n", strings.TrimSpace(msg.Content))
			} else {
				fmt.Fprintf(&b, "* %s says: %s\n", rec.Settings.Name, strings.TrimSpace(msg.Content))
			}
		}
	}

	b.WriteString("## Desired responses length\n")
	minWords, maxWords := length.WordCountRange()
	fmt.Fprintf(&b, "Each response should be between %d and %d words long.\n\n", minWords, maxWords)

	b.WriteString("## User's keywords sent to you to guide your answers\n\n")
	if keywords != nil {
		b.WriteString("The user chose the following keywords to guide the answers, ")
		fmt.Fprintf(&b, "use those concept in **all** of your responses: %s.", *keywords)
	}

	var messages []Message
	appendMessage(&messages, RoleSystem, b.String())
	return messages
}

// appendMessage adds content under role, fusing into the previous entry when
// the role repeats so the upstream never sees two adjacent messages of the
// same role.
func appendMessage(messages *[]Message, role, content string) {
	if n := len(*messages); n > 0 && (*messages)[n-1].Role == role {
		(*messages)[n-1].Content += "\n" + content
		return
	}
	*messages = append(*messages, Message{Role: role, Content: content})
}

// CountWords returns the whitespace-separated word count across all request
// messages, for the request-size metrics.
func CountWords(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
