package models

// Message types carried in a mailbox entry. An empty Type is plain text.
const (
	TypeText  = "text"
	TypeFile  = "file"
	TypeNudge = "nudge"
	TypeWink  = "wink"
)

type Account struct {
	Username     string
	PasswordHash string // bcrypt
	Buddies      []Buddy
	Mailbox      []Message
}

// Buddy maps a registered username to the display name chosen by the owner.
type Buddy struct {
	Username string
	Name     string
}

type Message struct {
	From     string `json:"from"`
	Type     string `json:"type,omitempty"`
	Message  string `json:"message,omitempty"`
	Filename string `json:"filename,omitempty"`
	Filedata string `json:"filedata,omitempty"` // base64
}

// Kind returns the effective message type.
func (m Message) Kind() string {
	if m.Type == "" {
		return TypeText
	}
	return m.Type
}

// BuddyNames returns the display names in insertion order.
func (a *Account) BuddyNames() []string {
	names := make([]string, 0, len(a.Buddies))
	for _, b := range a.Buddies {
		names = append(names, b.Name)
	}
	return names
}

// SetBuddy adds a buddy or renames an existing one in place.
func (a *Account) SetBuddy(username, name string) {
	for i := range a.Buddies {
		if a.Buddies[i].Username == username {
			a.Buddies[i].Name = name
			return
		}
	}
	a.Buddies = append(a.Buddies, Buddy{Username: username, Name: name})
}
