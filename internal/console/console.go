// Package console drives one player from typed command lines. It is shared by
// the standalone player client and the device host, whose own player sits in
// the room it hosts and takes turns like everyone else.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/cory-johannsen/flyingchess/internal/game"
	"github.com/cory-johannsen/flyingchess/internal/gameserver"
	"github.com/cory-johannsen/flyingchess/internal/protocol"
	"github.com/cory-johannsen/flyingchess/internal/registry"
)

var (
	// ErrQuit is returned by Exec and Run when the player asked to disconnect.
	ErrQuit = errors.New("console: quit")
	// ErrNoRoom is returned for room and game commands issued outside a room.
	ErrNoRoom = errors.New("not in a room; create or join one first")
	// ErrNoTask is returned by task when no task is pending and none was named.
	ErrNoTask = errors.New("no pending task")
)

// Client is the connection a Console issues requests through. Every client
// transport and transport.Local satisfy it.
type Client interface {
	PlayerID() string
	Call(ctx context.Context, event string, data any) (protocol.Envelope, error)
	Subscribe(event string, h protocol.Handler) func()
}

// Console turns command lines into requests for one player and prints what
// the player receives.
type Console struct {
	client   Client
	name     string
	commands *Registry

	mu     sync.Mutex
	out    io.Writer
	roomID string
	taskID string
}

// New creates a Console for the player called name.
//
// Precondition: client and out must be non-nil.
func New(client Client, name string, out io.Writer) *Console {
	return &Console{
		client:   client,
		name:     name,
		commands: DefaultRegistry(),
		out:      out,
	}
}

// Room returns the code of the room the player is in, or "".
func (c *Console) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// SetRoom records the room the player already sits in.
func (c *Console) SetRoom(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// Task returns the id of the pending task the player was told about, or "".
func (c *Console) Task() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

// Watch prints every broadcast the player receives and tracks the room and
// the pending task. The returned func stops watching.
func (c *Console) Watch() func() {
	return c.client.Subscribe(protocol.AnyEvent, c.observe)
}

func (c *Console) observe(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "<- %s %s\n", env.Event, env.Data)

	switch env.Event {
	case protocol.EventRoomClosed:
		var cp gameserver.ClosedPayload
		if json.Unmarshal(env.Data, &cp) == nil && cp.RoomID == c.roomID {
			c.roomID = ""
			c.taskID = ""
			fmt.Fprintf(c.out, "room %s closed (%s)\n", cp.RoomID, cp.Reason)
		}
	case protocol.EventGameTask:
		var tp game.TaskPayload
		if json.Unmarshal(env.Data, &tp) == nil {
			c.taskID = tp.Task.ID
			if slices.Contains(tp.ExecutorIDs, c.client.PlayerID()) {
				fmt.Fprintf(c.out, "task for you: %s (answer with: task yes|no)\n", tp.Task.Description)
			}
		}
	case protocol.EventGameTaskCompleted:
		var tc game.TaskCompletedPayload
		if json.Unmarshal(env.Data, &tc) == nil && tc.TaskID == c.taskID {
			c.taskID = ""
		}
	case protocol.EventGameNext:
		var np game.NextPayload
		if json.Unmarshal(env.Data, &np) == nil && np.CurrentUser == c.client.PlayerID() {
			fmt.Fprintln(c.out, "your turn: roll, then move")
		}
	case protocol.EventGameVictory:
		c.taskID = ""
	}
}

// Run executes lines read from in until EOF, quit, done closing or ctx
// ending. Command errors are printed, not returned.
//
// Postcondition: Returns nil on EOF or done, ErrQuit on quit, ctx.Err() on
// cancellation, or the read error.
func (c *Console) Run(ctx context.Context, in io.Reader, done <-chan struct{}) error {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			err := c.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				return err
			}
			if err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Exec runs one command line.
//
// Postcondition: Returns ErrQuit for quit, a *protocol.RemoteError when the
// host refused the request, or nil.
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := c.commands.Resolve(fields[0])
	if !ok {
		return fmt.Errorf("unknown command %q (try \"help\")", fields[0])
	}
	args := fields[1:]

	switch cmd.Name {
	case CmdQuit:
		return ErrQuit
	case CmdHelp:
		c.printf("%s", c.commands.Help())
		return nil
	case CmdList:
		return c.call(ctx, protocol.EventRoomList, nil)
	case CmdCreate:
		roomName := strings.Join(args, " ")
		if roomName == "" {
			roomName = c.name + "'s room"
		}
		return c.enter(ctx, protocol.EventRoomCreate, gameserver.CreateRequest{RoomName: roomName, PlayerName: c.name})
	case CmdJoin:
		if len(args) != 1 {
			return errors.New("usage: join <code>")
		}
		return c.enter(ctx, protocol.EventRoomJoin, gameserver.JoinRequest{RoomID: args[0], PlayerName: c.name})
	}

	roomID := c.Room()
	if roomID == "" {
		return ErrNoRoom
	}
	switch cmd.Name {
	case CmdStart:
		return c.call(ctx, protocol.EventGameStart, gameserver.RoomRequest{RoomID: roomID})
	case CmdRoll:
		return c.call(ctx, protocol.EventGameAction, game.ActionRequest{RoomID: roomID, Type: game.ActionRollDice})
	case CmdMove:
		return c.call(ctx, protocol.EventGameAction, game.ActionRequest{RoomID: roomID, Type: game.ActionMoveComplete})
	case CmdTask:
		taskID, done, err := c.taskArgs(args)
		if err != nil {
			return err
		}
		return c.call(ctx, protocol.EventGameAction, game.ActionRequest{
			RoomID:    roomID,
			Type:      game.ActionCompleteTask,
			TaskID:    taskID,
			Completed: &done,
		})
	case CmdLeave:
		if err := c.call(ctx, protocol.EventRoomLeave, gameserver.RoomRequest{RoomID: roomID}); err != nil {
			return err
		}
		c.SetRoom("")
		return nil
	}
	return fmt.Errorf("command %q has no handler", cmd.Name)
}

// taskArgs accepts "yes|no" for the pending task or "<id> yes|no".
func (c *Console) taskArgs(args []string) (string, bool, error) {
	var taskID, answer string
	switch len(args) {
	case 1:
		taskID, answer = c.Task(), args[0]
		if taskID == "" {
			return "", false, ErrNoTask
		}
	case 2:
		taskID, answer = args[0], args[1]
	default:
		return "", false, errors.New("usage: task [task id] yes|no")
	}
	switch strings.ToLower(answer) {
	case "yes", "y", "done":
		return taskID, true, nil
	case "no", "n", "skip":
		return taskID, false, nil
	}
	return "", false, fmt.Errorf("answer %q: want yes or no", answer)
}

func (c *Console) call(ctx context.Context, event string, data any) error {
	resp, err := c.client.Call(ctx, event, data)
	if err != nil {
		return err
	}
	c.printf("ok %s %s\n", event, resp.Data)
	return nil
}

// enter creates or joins a room and remembers its code.
func (c *Console) enter(ctx context.Context, event string, data any) error {
	resp, err := c.client.Call(ctx, event, data)
	if err != nil {
		return err
	}
	var room registry.Room
	if err := json.Unmarshal(resp.Data, &room); err != nil {
		return fmt.Errorf("decoding room: %w", err)
	}
	c.SetRoom(room.ID)
	c.printf("in room %s (%s) as %s, %d/%d players\n",
		room.ID, room.Name, c.client.PlayerID(), len(room.Players), room.MaxPlayers)
	return nil
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
