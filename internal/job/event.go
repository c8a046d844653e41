package job

import "time"

type Event struct {
	Seq int64 `json:"seq"`

	BuildID string `json:"build_id"`
	State   State  `json:"state"`
	Stage   Stage  `json:"stage,omitempty"`

	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	At time.Time `json:"at"`
}

func (e Event) Terminal() bool {
	return e.State == StateDone || e.State == StateFailed
}
