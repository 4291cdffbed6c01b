package protocol

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type Cursor struct {
	Position int `json:"position"`
	Line     int `json:"line"`
	Column   int `json:"column"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Participant is a connected user as seen by every client: identity,
// assigned color, presence status, and the last cursor/selection it
// broadcast. LastActiveAt is unix milliseconds.
type Participant struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Color        string         `json:"color"`
	Status       PresenceStatus `json:"status"`
	LastActiveAt int64          `json:"lastActiveAt"`
	Cursor       *Cursor        `json:"cursor,omitempty"`
	Selection    *Selection     `json:"selection,omitempty"`
}
