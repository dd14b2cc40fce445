package classify

import (
	"fmt"
	"strings"

	"github.com/bryan-buckman/threadlens/internal/model"
)

const explanationKey = "explanation"

// BuildPrompt renders the categorization request for post. Every schema
// category is listed and the answer shape is spelled out field by field.
func BuildPrompt(s *Schema, post model.Post) string {
	var b strings.Builder

	b.WriteString("Analyze this Reddit post and categorize it into ONLY the following categories. ")
	b.WriteString("For each category listed below, return true if the post belongs to that category, false otherwise. ")
	b.WriteString("DO NOT add any other categories.\n\n")

	fmt.Fprintf(&b, "Post Title: %s\n", post.Title)
	fmt.Fprintf(&b, "Post Content: %s\n\n", post.Body)

	b.WriteString("Available Categories (ONLY use these categories, no others):\n")
	for _, c := range s.categories {
		fmt.Fprintf(&b, "- %s (id: %s): %s", c.Name, c.ID, c.Description)
		if c.Prompt != "" {
			fmt.Fprintf(&b, " %s", c.Prompt)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nYou must return a JSON object with EXACTLY these fields and no others:\n{\n")
	fmt.Fprintf(&b, "  %q: \"A brief explanation of why the post belongs to the selected categories\"", explanationKey)
	for _, c := range s.categories {
		fmt.Fprintf(&b, ",\n  %q: boolean", c.ID)
	}
	b.WriteString("\n}\n\n")

	b.WriteString("Important:\n")
	b.WriteString("- Only use the categories listed above\n")
	b.WriteString("- Do not add any other categories\n")
	b.WriteString("- Return true/false values for EXACTLY the categories listed above\n")
	b.WriteString("- A post can belong to multiple categories\n")

	return b.String()
}
