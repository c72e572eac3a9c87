// Package identity resolves the user the sync engine runs as. The engine never
// creates or edits users; it only needs a stable id plus display metadata.
package identity

// User is the viewer's identity as supplied by the provider.
type User struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Provider supplies the current user. The second return is false when nobody
// is signed in, in which case the engine must not run.
type Provider interface {
	CurrentUser() (User, bool)
}

// Static is a Provider with a fixed user. Used by tests and by embedders that
// resolve identity out of band.
type Static struct {
	User User
}

func (s Static) CurrentUser() (User, bool) {
	if s.User.ID == "" {
		return User{}, false
	}
	return s.User, true
}
