package game

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire names of the player actions.
const (
	ActionRollDice     = "roll_dice"
	ActionMoveComplete = "move_complete"
	ActionCompleteTask = "complete_task"
)

// ErrUnknownAction is returned for an action type the rules do not define.
var ErrUnknownAction = errors.New("unknown action")

// Action is a player action. The set of actions is closed: RollDice,
// MoveComplete and CompleteTask.
type Action interface {
	// Type returns the wire name of the action.
	Type() string
	sealed()
}

// RollDice asks for a die roll for the turn holder.
type RollDice struct{}

// MoveComplete applies the pending roll to the turn holder's position.
type MoveComplete struct{}

// CompleteTask resolves the pending task.
type CompleteTask struct {
	TaskID    string
	Completed bool
}

func (RollDice) Type() string     { return ActionRollDice }
func (MoveComplete) Type() string { return ActionMoveComplete }
func (CompleteTask) Type() string { return ActionCompleteTask }

func (RollDice) sealed()     {}
func (MoveComplete) sealed() {}
func (CompleteTask) sealed() {}

// ActionRequest is the game:action payload.
type ActionRequest struct {
	RoomID    string `json:"roomId"`
	Type      string `json:"type"`
	TaskID    string `json:"taskId,omitempty"`
	Completed *bool  `json:"completed,omitempty"`
}

// ParseAction decodes a game:action payload.
//
// Postcondition: Returns the target room id and a non-nil Action, or an error
// wrapping ErrUnknownAction for an unrecognized type.
func ParseAction(raw json.RawMessage) (string, Action, error) {
	var req ActionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", nil, fmt.Errorf("decoding action: %w", err)
	}
	if req.RoomID == "" {
		return "", nil, errors.New("action requires roomId")
	}
	a, err := req.Action()
	if err != nil {
		return "", nil, err
	}
	return req.RoomID, a, nil
}

// Action converts the request into its Action.
func (r ActionRequest) Action() (Action, error) {
	switch r.Type {
	case ActionRollDice:
		return RollDice{}, nil
	case ActionMoveComplete:
		return MoveComplete{}, nil
	case ActionCompleteTask:
		if r.TaskID == "" {
			return nil, errors.New("complete_task requires taskId")
		}
		if r.Completed == nil {
			return nil, errors.New("complete_task requires completed")
		}
		return CompleteTask{TaskID: r.TaskID, Completed: *r.Completed}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, r.Type)
	}
}
