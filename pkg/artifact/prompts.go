package artifact

import "fmt"

const (
	textCreatePrompt = "Write about the given topic. Markdown is supported. Use headings wherever appropriate. Reply with the document only."
	codeCreatePrompt = "You are a code generator. Write a single self-contained, runnable snippet for the request. " +
		"Keep it short, prefer the standard library, and include brief comments. Reply with the code only, without prose."
	sheetCreatePrompt = "You are a spreadsheet creation assistant. Create a spreadsheet in CSV format for the request. " +
		"The first row holds column headers and every row has the same number of columns. Reply with the CSV only."
	suggestionsPrompt = "You are a help writing assistant. Given a piece of writing, offer up to five suggestions to improve it. " +
		"Only change full sentences, never single words. Reply with one JSON object per line, each with the keys " +
		`"originalSentence", "suggestedSentence" and "description". Do not wrap the lines in an array.`
)

func updatePrompt(kind, current string) string {
	return fmt.Sprintf("Improve the following %s based on the given prompt. Reply with the complete new version only.\n\n%s", kind, current)
}
