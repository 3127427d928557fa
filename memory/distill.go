package memory

import (
	"context"
	"strings"
)

// HeuristicExtractor distills durable facts from an interaction without an
// LLM. It keeps explicit remember requests, first-person declarations about
// stable attributes, and correction phrasing; chit-chat never reaches the
// semantic store.
type HeuristicExtractor struct{}

// NewHeuristicExtractor returns the default extractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// rememberMarkers are explicit requests to persist what follows.
var rememberMarkers = []string{
	"remember that ",
	"please remember ",
	"remember ",
	"don't forget that ",
	"don't forget ",
	"note that ",
}

// attributeMarkers open first-person declarative statements about stable
// attributes. A sentence must start with one to count as durable.
var attributeMarkers = []string{
	"my name is",
	"call me ",
	"i am ",
	"i'm ",
	"i live",
	"i work",
	"i have ",
	"i own ",
	"i play",
	"i like ",
	"i love ",
	"i enjoy ",
	"i prefer ",
	"i use ",
	"my favorite",
	"my favourite",
	"my birthday",
	"my job",
	"my wife",
	"my husband",
	"my partner",
	"my dog",
	"my cat",
	"my ",
}

// correctionMarkers indicate the sentence corrects an earlier fact.
var correctionMarkers = []string{
	", not ",
	" not anymore",
	"no longer ",
	"actually,",
	"actually ",
	"correction:",
	"that's wrong",
	"that is wrong",
	"i meant ",
	"it's now ",
}

// Extract mines the user message for durable facts. The assistant response
// is never mined: only what the user states about themselves is memory.
func (x *HeuristicExtractor) Extract(_ context.Context, interaction Interaction) ([]Fact, error) {
	var facts []Fact
	for _, sentence := range splitSentences(interaction.UserMessage) {
		fact, ok := distillSentence(sentence)
		if ok {
			facts = append(facts, fact)
		}
	}
	return facts, nil
}

// LooksLikeCorrection reports whether content is phrased as a correction of
// an earlier statement.
func LooksLikeCorrection(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range correctionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if strings.HasPrefix(lower, "no, ") || strings.HasPrefix(lower, "no - ") {
		return true
	}
	return false
}

func distillSentence(sentence string) (Fact, bool) {
	trimmed := strings.TrimSpace(sentence)
	lower := strings.ToLower(trimmed)

	// Questions are requests for memories, not memories.
	if trimmed == "" || strings.HasSuffix(trimmed, "?") {
		return Fact{}, false
	}

	for _, marker := range rememberMarkers {
		if strings.HasPrefix(lower, marker) {
			content := strings.TrimSpace(trimmed[len(marker):])
			if len(Tokenize(content)) < 2 {
				return Fact{}, false
			}
			return Fact{Content: content, Correction: LooksLikeCorrection(content)}, true
		}
	}

	correction := LooksLikeCorrection(lower)
	for _, marker := range attributeMarkers {
		if strings.HasPrefix(lower, marker) || (correction && strings.Contains(lower, marker)) {
			if len(Tokenize(trimmed)) < 3 {
				return Fact{}, false
			}
			return Fact{Content: trimmed, Correction: correction}, true
		}
	}

	return Fact{}, false
}

// splitSentences breaks a message on sentence punctuation followed by
// whitespace, and on newlines. Punctuation inside a token ("J.P.", "3.14")
// does not split. Deliberately simple: the extractor only needs
// sentence-ish units, not a linguistically correct segmentation.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	var sb strings.Builder
	flush := func() {
		s := strings.TrimSpace(sb.String())
		if s != "" {
			out = append(out, s)
		}
		sb.Reset()
	}
	for i, r := range runes {
		atEnd := i == len(runes)-1
		nextIsSpace := !atEnd && (runes[i+1] == ' ' || runes[i+1] == '\t' || runes[i+1] == '\n')
		switch {
		case r == '\n' || r == ';':
			flush()
		case (r == '.' || r == '!' || r == '?') && (atEnd || nextIsSpace):
			if r == '?' {
				sb.WriteRune(r)
			}
			flush()
		default:
			sb.WriteRune(r)
		}
	}
	flush()
	return out
}
