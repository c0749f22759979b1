package domain

// Role identifies who produced a conversation entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// InlineData is a binary payload submitted alongside text: base64-encoded
// bytes paired with a MIME type. Field names match the generative API wire
// format so entries serialize directly.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is one segment of a conversation entry: either text or inline data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// Entry is a single turn in a conversation window. Entries are built during
// window assembly, sent to the backend once, and discarded, never persisted.
type Entry struct {
	Role  Role   `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// TextEntry builds an entry with a single text part.
func TextEntry(role Role, text string) Entry {
	return Entry{Role: role, Parts: []Part{{Text: text}}}
}

// Text returns the concatenated text parts of the entry.
func (e Entry) Text() string {
	var out string
	for _, p := range e.Parts {
		out += p.Text
	}
	return out
}
