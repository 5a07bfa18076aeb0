package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/flyingchess/internal/game/board"
	"github.com/cory-johannsen/flyingchess/internal/game/dice"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
)

var (
	ErrNotHost            = errors.New("only the host can start the game")
	ErrAlreadyStarted     = errors.New("game already started")
	ErrNotEnoughPlayers   = errors.New("at least two players are required")
	ErrGameNotActive      = errors.New("game is not in progress")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrTaskPending        = errors.New("a task must be completed first")
	ErrRollPending        = errors.New("the last roll has not been moved")
	ErrNoRoll             = errors.New("no dice roll to move")
	ErrNoTask             = errors.New("no task is pending")
	ErrTaskMismatch       = errors.New("task id does not match the pending task")
	ErrNotTaskParticipant = errors.New("player is not part of the task")
	ErrNotMember          = errors.New("player is not in the room")
)

// Rules are the game-specific hooks the Engine drives. Each hook mutates the
// room in place and returns the events to broadcast once the room commits.
// Returning an error discards every mutation.
type Rules interface {
	OnStart(r *registry.Room, requesterID string, now time.Time) ([]Event, error)
	OnAction(r *registry.Room, playerID string, a Action, now time.Time) ([]Event, error)
	// OnPlayerLeft repairs turn and task state after res.Removed left r.
	OnPlayerLeft(r *registry.Room, res registry.RemoveResult, now time.Time) []Event
}

// FlyingChess implements Rules for flying chess: roll, move with bounce-back
// at the finish, and resolve collision, star and trap tasks.
type FlyingChess struct {
	board  *board.Board
	roller *dice.Roller
}

var _ Rules = (*FlyingChess)(nil)

// NewFlyingChess returns the flying chess rules. Rooms without a board path or
// task set get b's layout and pools at start.
//
// Precondition: b and roller must be non-nil.
func NewFlyingChess(b *board.Board, roller *dice.Roller) *FlyingChess {
	return &FlyingChess{board: b, roller: roller}
}

// Bounce returns the landing index for a move of steps from pos on a path
// whose last index is finish. Overshooting the finish bounces back.
//
// Postcondition: 0 <= result <= finish.
func Bounce(pos, steps, finish int) int {
	target := pos + steps
	if target > finish {
		target = finish - (target - finish)
	}
	if target < 0 {
		return 0
	}
	if target > finish {
		return finish
	}
	return target
}

// OnStart resets every player to the start and hands the turn to the first player.
func (fc *FlyingChess) OnStart(r *registry.Room, requesterID string, now time.Time) ([]Event, error) {
	if requesterID != r.HostID {
		return nil, ErrNotHost
	}
	if r.Status != registry.StatusWaiting {
		return nil, ErrAlreadyStarted
	}
	if len(r.Players) < registry.MinPlayers {
		return nil, ErrNotEnoughPlayers
	}
	if len(r.BoardPath) == 0 {
		r.BoardPath = fc.board.Path()
	}
	if r.TaskSet == nil {
		r.TaskSet = fc.board.TaskSet("")
	}

	r.Status = registry.StatusPlaying
	r.GameState = registry.GameState{
		PlayerPositions: make(map[string]int, len(r.Players)),
		Phase:           registry.StatusPlaying,
		StartTime:       now,
	}
	for i := range r.Players {
		r.Players[i].Score = 0
		r.Players[i].CompletedTasks = 0
		r.SetPosition(r.Players[i].ID, 0)
	}
	r.CurrentUser = r.Players[0].ID

	return []Event{
		roomUpdate(),
		{Name: protocol.EventGameNext, Data: NextPayload{CurrentUser: r.CurrentUser}},
	}, nil
}

// OnAction applies one player action.
func (fc *FlyingChess) OnAction(r *registry.Room, playerID string, a Action, now time.Time) ([]Event, error) {
	if r.GameState.Phase != registry.StatusPlaying {
		return nil, ErrGameNotActive
	}
	if p, _ := r.Player(playerID); p == nil {
		return nil, ErrNotMember
	}
	switch act := a.(type) {
	case RollDice:
		return fc.rollDice(r, playerID, now)
	case MoveComplete:
		return fc.moveComplete(r, playerID)
	case CompleteTask:
		return fc.completeTask(r, playerID, act)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
}

func (fc *FlyingChess) rollDice(r *registry.Room, playerID string, now time.Time) ([]Event, error) {
	gs := &r.GameState
	if r.CurrentUser != playerID {
		return nil, ErrNotYourTurn
	}
	if gs.CurrentTask != nil {
		return nil, ErrTaskPending
	}
	if gs.LastDiceRoll != nil && !gs.LastDiceRoll.Consumed && gs.LastDiceRoll.PlayerID == playerID {
		return nil, ErrRollPending
	}
	value := fc.roller.D6()
	gs.LastDiceRoll = &registry.DiceRoll{PlayerID: playerID, Value: value, Timestamp: now}
	p, _ := r.Player(playerID)
	return []Event{{
		Name: protocol.EventGameDice,
		Data: DicePayload{PlayerID: playerID, DiceValue: value, PlayerName: p.Name},
	}}, nil
}

func (fc *FlyingChess) moveComplete(r *registry.Room, playerID string) ([]Event, error) {
	gs := &r.GameState
	if r.CurrentUser != playerID {
		return nil, ErrNotYourTurn
	}
	if gs.CurrentTask != nil {
		return nil, ErrTaskPending
	}
	roll := gs.LastDiceRoll
	if roll == nil || roll.Consumed || roll.PlayerID != playerID {
		return nil, ErrNoRoll
	}
	roll.Consumed = true

	finish := r.FinishIndex()
	from := r.Position(playerID)
	to := Bounce(from, roll.Value, finish)
	r.SetPosition(playerID, to)
	events := []Event{{
		Name: protocol.EventGamePositionUpdate,
		Data: PositionPayload{PlayerID: playerID, FromPosition: from, ToPosition: to, Reason: ReasonDice},
	}}

	if to == finish {
		return append(events, fc.victory(r, playerID)...), nil
	}
	if task := fc.landingTask(r, playerID, to); task != nil {
		gs.CurrentTask = task
		return append(events, Event{
			Name: protocol.EventGameTask,
			Data: TaskPayload{Task: *task, TaskType: task.Type, ExecutorIDs: task.ExecutorIDs, TriggerIDs: task.TriggerIDs},
		}), nil
	}
	return append(events, rotate(r)), nil
}

// landingTask returns the task triggered by mover landing on pos, or nil.
// A collision takes precedence over the cell type.
func (fc *FlyingChess) landingTask(r *registry.Room, mover string, pos int) *registry.Task {
	if r.CellAt(pos) != registry.CellStart {
		var occupants []string
		for _, p := range r.Players {
			if p.ID != mover && p.Position == pos {
				occupants = append(occupants, p.ID)
			}
		}
		if len(occupants) > 0 {
			return fc.newTask(r, registry.TaskCollision, occupants, mover)
		}
	}
	switch r.CellAt(pos) {
	case registry.CellTrap:
		return fc.newTask(r, registry.TaskTrap, []string{mover}, mover)
	case registry.CellStar:
		var opponents []string
		for _, p := range r.Players {
			if p.ID != mover {
				opponents = append(opponents, p.ID)
			}
		}
		if len(opponents) == 0 {
			return nil
		}
		return fc.newTask(r, registry.TaskStar, []string{opponents[fc.roller.Pick(len(opponents))]}, mover)
	}
	return nil
}

func (fc *FlyingChess) newTask(r *registry.Room, t registry.TaskType, executors []string, trigger string) *registry.Task {
	pool := r.TaskSet.Pool(t)
	if len(pool) == 0 {
		pool = board.DefaultTaskSet().Pool(t)
	}
	return &registry.Task{
		ID:          uuid.NewString(),
		Type:        t,
		Description: pool[fc.roller.Pick(len(pool))],
		ExecutorIDs: executors,
		TriggerIDs:  []string{trigger},
	}
}

func (fc *FlyingChess) completeTask(r *registry.Room, playerID string, act CompleteTask) ([]Event, error) {
	gs := &r.GameState
	task := gs.CurrentTask
	if task == nil {
		return nil, ErrNoTask
	}
	if task.ID != act.TaskID {
		return nil, ErrTaskMismatch
	}
	if !task.Involves(playerID) {
		return nil, ErrNotTaskParticipant
	}

	magnitude := fc.roller.Magnitude()
	events := []Event{{
		Name: protocol.EventGameTaskCompleted,
		Data: TaskCompletedPayload{
			PlayerID:  playerID,
			TaskID:    task.ID,
			TaskType:  task.Type,
			Completed: act.Completed,
			Magnitude: magnitude,
		},
	}}

	finish := r.FinishIndex()
	winner := ""
	for _, id := range task.ExecutorIDs {
		p, _ := r.Player(id)
		if p == nil {
			continue
		}
		if act.Completed {
			p.CompletedTasks++
			p.Score += magnitude
		}
		from := p.Position
		to := from
		switch {
		case task.Type == registry.TaskCollision && !act.Completed:
			to = 0
		case task.Type == registry.TaskCollision:
		case act.Completed:
			to = Bounce(from, magnitude, finish)
		default:
			to = max(from-magnitude, 0)
		}
		if to == from {
			continue
		}
		r.SetPosition(id, to)
		events = append(events, Event{
			Name: protocol.EventGamePositionUpdate,
			Data: PositionPayload{PlayerID: id, FromPosition: from, ToPosition: to, Reason: ReasonTask},
		})
		if to == finish && winner == "" {
			winner = id
		}
	}
	gs.CurrentTask = nil

	if winner != "" {
		return append(events, fc.victory(r, winner)...), nil
	}
	return append(events, rotate(r)), nil
}

func (fc *FlyingChess) victory(r *registry.Room, winnerID string) []Event {
	gs := &r.GameState
	gs.Winner = winnerID
	gs.Phase = registry.StatusEnded
	gs.CurrentTask = nil
	r.Status = registry.StatusEnded
	r.CurrentUser = ""

	final := make(map[string]int, len(r.Players))
	for _, p := range r.Players {
		final[p.ID] = p.Position
	}
	name := ""
	if p, _ := r.Player(winnerID); p != nil {
		name = p.Name
	}
	return []Event{
		{Name: protocol.EventGameVictory, Data: VictoryPayload{WinnerID: winnerID, WinnerName: name, FinalPositions: final}},
		roomUpdate(),
	}
}

// rotate passes the turn to the next player in seat order.
func rotate(r *registry.Room) Event {
	_, idx := r.Player(r.CurrentUser)
	next := 0
	if idx >= 0 {
		next = (idx + 1) % len(r.Players)
	}
	r.CurrentUser = r.Players[next].ID
	r.GameState.TurnCount++
	return Event{
		Name: protocol.EventGameNext,
		Data: NextPayload{CurrentUser: r.CurrentUser, TurnCount: r.GameState.TurnCount},
	}
}

// OnPlayerLeft cancels a task the departed player was part of, hands the
// turn on when the departed player held it, and ends the game when a single
// player remains.
func (fc *FlyingChess) OnPlayerLeft(r *registry.Room, res registry.RemoveResult, _ time.Time) []Event {
	if r.GameState.Phase != registry.StatusPlaying || len(r.Players) == 0 {
		return []Event{roomUpdate()}
	}
	departed := res.Removed.ID
	if len(r.Players) == 1 {
		return fc.victory(r, r.Players[0].ID)
	}

	gs := &r.GameState
	var events []Event
	taskCancelled := false
	if task := gs.CurrentTask; task.Involves(departed) {
		gs.CurrentTask = nil
		taskCancelled = true
		events = append(events, Event{
			Name: protocol.EventGameTaskCompleted,
			Data: TaskCompletedPayload{PlayerID: departed, TaskID: task.ID, TaskType: task.Type, Completed: false},
		})
	}
	switch {
	case r.CurrentUser == departed:
		// The seat after the departed player now sits at its former index.
		r.CurrentUser = r.Players[res.Index%len(r.Players)].ID
		gs.LastDiceRoll = nil
		gs.TurnCount++
		events = append(events, Event{
			Name: protocol.EventGameNext,
			Data: NextPayload{CurrentUser: r.CurrentUser, TurnCount: gs.TurnCount},
		})
	case taskCancelled:
		events = append(events, rotate(r))
	}
	return append(events, roomUpdate())
}
