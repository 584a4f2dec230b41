package message

import "github.com/matheus3301/fluxy/internal/wire"

// UnknownUsername is shown when an author cannot be resolved.
const UnknownUsername = "Unknown User"

// AuthorKind says which shape a raw author field had.
type AuthorKind int

const (
	// AuthorUnknown: missing, null, or unusable.
	AuthorUnknown AuthorKind = iota
	// AuthorEmbedded: a populated object that carries a username.
	AuthorEmbedded
	// AuthorReference: a bare user ID to look up in the roster.
	AuthorReference
)

func (k AuthorKind) String() string {
	switch k {
	case AuthorEmbedded:
		return "embedded"
	case AuthorReference:
		return "reference"
	default:
		return "unknown"
	}
}

// AuthorRef is the disambiguated form of a raw author field.
type AuthorRef struct {
	Kind     AuthorKind
	ID       string
	Embedded Author
}

// ResolveAuthorRef classifies a decoded JSON author value.
func ResolveAuthorRef(v any) AuthorRef {
	switch a := v.(type) {
	case map[string]any:
		id := firstString(a, "_id", "id")
		if name := firstString(a, "username"); name != "" {
			return AuthorRef{
				Kind: AuthorEmbedded,
				ID:   id,
				Embedded: Author{
					ID:          id,
					Username:    name,
					DisplayName: firstString(a, "displayName", "display_name"),
					Avatar:      firstString(a, "avatar", "avatarUrl", "avatar_url"),
				},
			}
		}
		if id != "" {
			return AuthorRef{Kind: AuthorReference, ID: id}
		}
	case string:
		if a != "" {
			return AuthorRef{Kind: AuthorReference, ID: a}
		}
	}
	return AuthorRef{Kind: AuthorUnknown}
}

// Resolve turns the reference into display data. It never fails: anything
// it cannot resolve becomes the Unknown User placeholder.
func (r AuthorRef) Resolve(roster Roster) Author {
	switch r.Kind {
	case AuthorEmbedded:
		return withDisplayName(r.Embedded)
	case AuthorReference:
		if roster != nil {
			if a, ok := roster.Lookup(r.ID); ok {
				if a.ID == "" {
					a.ID = r.ID
				}
				return withDisplayName(a)
			}
		}
	}
	return UnknownAuthor(r.ID)
}

// UnknownAuthor is the placeholder author. The ID is kept when known so
// duplicate detection still groups the author's messages.
func UnknownAuthor(id string) Author {
	if id == "" {
		id = "unknown"
	}
	return Author{ID: id, Username: UnknownUsername, DisplayName: UnknownUsername}
}

func withDisplayName(a Author) Author {
	if a.DisplayName == "" {
		a.DisplayName = a.Username
	}
	return a
}

// Roster resolves bare user IDs to display data.
type Roster interface {
	Lookup(userID string) (Author, bool)
}

// MemberRoster is a map-backed Roster.
type MemberRoster map[string]Author

// NewRoster indexes members by ID.
func NewRoster(members []wire.Author) MemberRoster {
	r := make(MemberRoster, len(members))
	for _, m := range members {
		if m.ID == "" {
			continue
		}
		r[m.ID] = Author{ID: m.ID, Username: m.Username, DisplayName: m.DisplayName, Avatar: m.Avatar}
	}
	return r
}

// Lookup implements Roster.
func (r MemberRoster) Lookup(userID string) (Author, bool) {
	a, ok := r[userID]
	return a, ok
}
