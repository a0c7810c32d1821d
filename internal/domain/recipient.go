package domain

// Recipient is a directory entry with resolved contact fields.
// Contacts are looked up at processing time and never stored on queue items.
type Recipient struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email,omitempty"`
	ChatAddress string   `json:"chat_address,omitempty"`
	Locale      string   `json:"locale,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Active      bool     `json:"active"`
}

// Address returns the contact address for a network channel, or "" when absent.
func (r Recipient) Address(ch Channel) string {
	switch ch {
	case ChannelChat:
		return r.ChatAddress
	case ChannelEmail:
		return r.Email
	case ChannelInApp:
		return r.ID
	}
	return ""
}
