package model

// User is a resolved principal acting on a record.
type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the user carries the given role ID.
func (u *User) HasRole(roleID string) bool {
	for _, r := range u.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// UserDirectory resolves actor references to principals.
type UserDirectory interface {
	UserByID(id string) (*User, bool)
}

// StaticDirectory is an in-memory UserDirectory.
type StaticDirectory map[string]*User

// UserByID implements UserDirectory.
func (d StaticDirectory) UserByID(id string) (*User, bool) {
	u, ok := d[id]
	return u, ok
}
