package store

import "time"

// Target contains the fields for a watched wallet, token or channel saved to DB.
type Target struct {
	ID   []byte `json:"id"`
	Name string `json:"name"`
	Addr string `json:"addr"`
	Kind string `json:"kind"`
}

// WatchList contains the targets watched by a module.
type WatchList struct {
	Module  string   `json:"module"`
	Targets []Target `json:"targets"`
}

// SessionState contains the fields of a monitor session saved to DB.
type SessionState struct {
	Module  string    `json:"module" bson:"module"`
	Target  string    `json:"target" bson:"target"`
	Kind    string    `json:"kind" bson:"kind"`
	Cursor  string    `json:"cursor" bson:"cursor"`
	Status  string    `json:"status" bson:"status"`
	Updated time.Time `json:"updated" bson:"updated"`
}
