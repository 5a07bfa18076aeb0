// Package registry owns the room, player and game state of every session.
// It is the only component that mutates that state.
package registry

import (
	"time"
)

// GameStatus is the lifecycle status of a room and the phase of its game.
type GameStatus string

const (
	StatusWaiting GameStatus = "waiting"
	StatusPlaying GameStatus = "playing"
	StatusEnded   GameStatus = "ended"
)

// CellType is the kind of a board cell.
type CellType string

const (
	CellPath  CellType = "path"
	CellStart CellType = "start"
	CellEnd   CellType = "end"
	CellStar  CellType = "star"
	CellTrap  CellType = "trap"
)

// Cell is one position on the board path.
type Cell struct {
	Index int      `json:"index" yaml:"index"`
	Type  CellType `json:"type" yaml:"type"`
}

// TaskType names what triggered a task.
type TaskType string

const (
	TaskCollision TaskType = "collision"
	TaskStar      TaskType = "star"
	TaskTrap      TaskType = "trap"
)

// TaskSet is the pool of task descriptions a room draws from.
type TaskSet struct {
	Name      string   `json:"name" yaml:"name"`
	Collision []string `json:"collision,omitempty" yaml:"collision"`
	Star      []string `json:"star,omitempty" yaml:"star"`
	Trap      []string `json:"trap,omitempty" yaml:"trap"`
}

// Pool returns the descriptions for a task type.
func (ts *TaskSet) Pool(t TaskType) []string {
	if ts == nil {
		return nil
	}
	switch t {
	case TaskCollision:
		return ts.Collision
	case TaskStar:
		return ts.Star
	case TaskTrap:
		return ts.Trap
	}
	return nil
}

// Player is a participant and its per-game progress.
type Player struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Color          string    `json:"color,omitempty"`
	Avatar         string    `json:"avatar,omitempty"`
	Gender         string    `json:"gender,omitempty"`
	ConnID         string    `json:"connId,omitempty"`
	RoomID         string    `json:"roomId,omitempty"`
	IsConnected    bool      `json:"isConnected"`
	IsHost         bool      `json:"isHost"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastSeen       time.Time `json:"lastSeen"`
	Position       int       `json:"position"`
	Score          int       `json:"score"`
	CompletedTasks int       `json:"completedTasks"`
	Achievements   []string  `json:"achievements,omitempty"`
}

// DiceRoll is the most recent roll in a room.
type DiceRoll struct {
	PlayerID  string    `json:"playerId"`
	Value     int       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	// Consumed is set once the roll has been applied by a move.
	Consumed bool `json:"consumed"`
}

// Task is a pending task interruption. While set, no dice may be rolled.
type Task struct {
	ID          string   `json:"id"`
	Type        TaskType `json:"type"`
	Description string   `json:"description"`
	ExecutorIDs []string `json:"executorPlayerIds"`
	TriggerIDs  []string `json:"triggerPlayerIds"`
}

// Involves reports whether playerID executes or triggered the task.
func (t *Task) Involves(playerID string) bool {
	if t == nil {
		return false
	}
	for _, id := range t.ExecutorIDs {
		if id == playerID {
			return true
		}
	}
	for _, id := range t.TriggerIDs {
		if id == playerID {
			return true
		}
	}
	return false
}

// GameState is the mutable per-room game progress.
type GameState struct {
	PlayerPositions map[string]int `json:"playerPositions"`
	TurnCount       int            `json:"turnCount"`
	Phase           GameStatus     `json:"gamePhase"`
	StartTime       time.Time      `json:"startTime"`
	LastDiceRoll    *DiceRoll      `json:"lastDiceRoll,omitempty"`
	CurrentTask     *Task          `json:"currentTask,omitempty"`
	Winner          string         `json:"winner,omitempty"`
}

// Room is a bounded group of players sharing one game session.
type Room struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	HostID       string     `json:"hostId"`
	Players      []Player   `json:"players"`
	MaxPlayers   int        `json:"maxPlayers"`
	GameType     string     `json:"gameType"`
	Status       GameStatus `json:"gameStatus"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	BoardPath    []Cell     `json:"boardPath,omitempty"`
	TaskSet      *TaskSet   `json:"taskSet,omitempty"`
	CurrentUser  string     `json:"currentUser,omitempty"`
	GameState    GameState  `json:"gameState"`
}

// Player returns the room member with the given id and its index, or nil and -1.
func (r *Room) Player(id string) (*Player, int) {
	for i := range r.Players {
		if r.Players[i].ID == id {
			return &r.Players[i], i
		}
	}
	return nil, -1
}

// PlayerIDs returns the member ids in turn order.
func (r *Room) PlayerIDs() []string {
	ids := make([]string, len(r.Players))
	for i, p := range r.Players {
		ids[i] = p.ID
	}
	return ids
}

// Full reports whether no seat is free.
func (r *Room) Full() bool {
	return len(r.Players) >= r.MaxPlayers
}

// FinishIndex returns the last board index.
func (r *Room) FinishIndex() int {
	return len(r.BoardPath) - 1
}

// CellAt returns the cell type at index, or CellPath outside the board.
func (r *Room) CellAt(index int) CellType {
	if index < 0 || index >= len(r.BoardPath) {
		return CellPath
	}
	return r.BoardPath[index].Type
}

// SetPosition moves a member, keeping Player.Position and
// GameState.PlayerPositions in sync.
//
// Postcondition: Returns false when playerID is not a member.
func (r *Room) SetPosition(playerID string, pos int) bool {
	p, _ := r.Player(playerID)
	if p == nil {
		return false
	}
	p.Position = pos
	if r.GameState.PlayerPositions == nil {
		r.GameState.PlayerPositions = make(map[string]int)
	}
	r.GameState.PlayerPositions[playerID] = pos
	return true
}

// Position returns a member's board position.
func (r *Room) Position(playerID string) int {
	if p, _ := r.Player(playerID); p != nil {
		return p.Position
	}
	return 0
}

// OccupantAt returns the first member other than exclude standing at pos.
func (r *Room) OccupantAt(pos int, exclude string) (*Player, bool) {
	for i := range r.Players {
		if r.Players[i].ID != exclude && r.Players[i].Position == pos {
			return &r.Players[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Players = make([]Player, len(r.Players))
	for i, p := range r.Players {
		c.Players[i] = p.Clone()
	}
	if r.BoardPath != nil {
		c.BoardPath = append([]Cell(nil), r.BoardPath...)
	}
	if r.TaskSet != nil {
		ts := *r.TaskSet
		ts.Collision = append([]string(nil), r.TaskSet.Collision...)
		ts.Star = append([]string(nil), r.TaskSet.Star...)
		ts.Trap = append([]string(nil), r.TaskSet.Trap...)
		c.TaskSet = &ts
	}
	c.GameState = r.GameState.clone()
	return &c
}

// Clone returns a deep copy.
func (p Player) Clone() Player {
	if p.Achievements != nil {
		p.Achievements = append([]string(nil), p.Achievements...)
	}
	return p
}

func (g GameState) clone() GameState {
	if g.PlayerPositions != nil {
		pos := make(map[string]int, len(g.PlayerPositions))
		for k, v := range g.PlayerPositions {
			pos[k] = v
		}
		g.PlayerPositions = pos
	}
	if g.LastDiceRoll != nil {
		roll := *g.LastDiceRoll
		g.LastDiceRoll = &roll
	}
	if g.CurrentTask != nil {
		task := *g.CurrentTask
		task.ExecutorIDs = append([]string(nil), g.CurrentTask.ExecutorIDs...)
		task.TriggerIDs = append([]string(nil), g.CurrentTask.TriggerIDs...)
		g.CurrentTask = &task
	}
	return g
}
