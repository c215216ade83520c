package task

import (
	"encoding/json"

	"biliwatch/internal/platform/bili"
)

type Status string

const (
	StatusUnresolved   Status = "unresolved"
	StatusResolving    Status = "resolving"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusMonitoring   Status = "monitoring"
	StatusEnded        Status = "ended"
	StatusInsufficient Status = "insufficient-draws"
	StatusDrawn        Status = "drawn"
)

type ActionKind string

const (
	ActionSuccess       ActionKind = "success"
	ActionInsufficient  ActionKind = "insufficient"
	ActionError         ActionKind = "error"
	ActionEnded         ActionKind = "ended"
	ActionPlatformError ActionKind = "platform-error"
)

// Action is one append-only history entry; never mutated after append.
type Action struct {
	At      int64           `json:"at"`
	Kind    ActionKind      `json:"kind"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Winner is the most recent winner-feed record observed for a task.
// Immutable once captured; a later poll either reproduces it or
// supersedes it.
type Winner struct {
	Name  string `json:"name"`
	Award string `json:"award"`
	Icon  string `json:"icon"`
	CTime int64  `json:"ctime"`
}

// Task is one monitored promotion.
type Task struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SourceLink string `json:"source_link"`

	SID     string `json:"sid,omitempty"`
	RealURL string `json:"real_url,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Counter string `json:"counter,omitempty"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	LastWinner *Winner       `json:"last_winner,omitempty"`
	LastCheck  int64         `json:"last_check,omitempty"`
	CheckCount int           `json:"check_count"`
	Allowance  *bili.MyTimes `json:"allowance,omitempty"`

	History   []Action `json:"history"`
	CreatedAt int64    `json:"created_at"`
}

// Record appends a history entry. History is audit data for the
// presentation layer; the core never reads it back.
func (t *Task) Record(at int64, kind ActionKind, message string, raw json.RawMessage) {
	t.History = append(t.History, Action{At: at, Kind: kind, Message: message, Raw: raw})
}

func (t *Task) clone() Task {
	out := *t
	if t.LastWinner != nil {
		w := *t.LastWinner
		out.LastWinner = &w
	}
	if t.Allowance != nil {
		a := *t.Allowance
		out.Allowance = &a
	}
	out.History = append([]Action(nil), t.History...)
	return out
}
