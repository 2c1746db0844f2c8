package workflow

import "cmms/api/internal/store"

// Actor is the authenticated user acting on a form.
type Actor struct {
	UID            string `json:"uid"`
	FullName       string `json:"fullname"`
	Designation    string `json:"designation"`
	Signature      string `json:"signature"`
	SignatoryLevel int    `json:"signatoryLevel"`
}

func ActorFromUser(u store.User) Actor {
	level := u.SignatoryLevel
	if level < 1 {
		level = 1
	}
	return Actor{
		UID:            u.ID,
		FullName:       u.FullName,
		Designation:    u.Designation,
		Signature:      u.SignatureRef,
		SignatoryLevel: level,
	}
}

// DisplayName is used in submission filenames and filledBy.
func (a Actor) DisplayName() string {
	if a.FullName != "" {
		return a.FullName
	}
	return "user"
}
