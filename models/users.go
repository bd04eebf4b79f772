package models

// Identity is the local user. It is created on first use and only the
// userId is ever shared with the remote store, inside membership records.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarSeed  string `json:"avatarSeed"`
}

// Valid reports whether the identity has been created.
func (i Identity) Valid() bool {
	return i.UserID != "" && i.DisplayName != ""
}
