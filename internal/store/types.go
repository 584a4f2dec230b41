package store

// Member is one user in a server roster.
type Member struct {
	ServerID    string
	UserID      string
	Username    string
	DisplayName string
	Avatar      string
}

// Reaction is one emoji on a message and the users who chose it, in the
// order they reacted.
type Reaction struct {
	Emoji string
	Users []string
}

// Message is a stored channel message. CreatedAt is Unix milliseconds.
type Message struct {
	ID        string
	ChannelID string
	ServerID  string
	AuthorID  string
	Content   string
	Type      string
	Nonce     string
	Edited    bool
	CreatedAt int64
	Reactions []Reaction
}
