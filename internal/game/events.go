package game

import (
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
)

// Event is an outbound broadcast produced by the rules while mutating a room.
// An Event named protocol.EventRoomUpdate with nil Data is filled with the
// committed room snapshot before it is sent.
type Event struct {
	Name string
	Data any
}

func roomUpdate() Event { return Event{Name: protocol.EventRoomUpdate} }

// Move reasons carried by game:position_update.
const (
	ReasonDice = "dice"
	ReasonTask = "task"
)

// DicePayload is the game:dice payload.
type DicePayload struct {
	PlayerID   string `json:"playerId"`
	DiceValue  int    `json:"diceValue"`
	PlayerName string `json:"playerName"`
}

// PositionPayload is the game:position_update payload.
type PositionPayload struct {
	PlayerID     string `json:"playerId"`
	FromPosition int    `json:"fromPosition"`
	ToPosition   int    `json:"toPosition"`
	Reason       string `json:"reason"`
}

// TaskPayload is the game:task payload.
type TaskPayload struct {
	Task        registry.Task     `json:"task"`
	TaskType    registry.TaskType `json:"taskType"`
	ExecutorIDs []string          `json:"executorPlayerIds"`
	TriggerIDs  []string          `json:"triggerPlayerIds"`
}

// TaskCompletedPayload is the game:task_completed payload.
type TaskCompletedPayload struct {
	PlayerID  string            `json:"playerId"`
	TaskID    string            `json:"taskId"`
	TaskType  registry.TaskType `json:"taskType"`
	Completed bool              `json:"completed"`
	Magnitude int               `json:"magnitude,omitempty"`
}

// NextPayload is the game:next payload.
type NextPayload struct {
	CurrentUser string `json:"currentUser"`
	TurnCount   int    `json:"turnCount"`
}

// VictoryPayload is the game:victory payload.
type VictoryPayload struct {
	WinnerID       string         `json:"winnerId"`
	WinnerName     string         `json:"winnerName"`
	FinalPositions map[string]int `json:"finalPositions"`
}
