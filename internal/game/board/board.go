// Package board builds flying chess board layouts and task pools, either from
// YAML content files or from the built-in defaults.
package board

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/flyingchess/internal/registry"
)

// MinLength is the shortest playable board.
const MinLength = 8

// DefaultTaskSetName names the built-in task pool.
const DefaultTaskSetName = "classic"

// Board is a validated layout plus the task pools that may be played on it.
type Board struct {
	Name     string
	Cells    []registry.Cell
	TaskSets map[string]*registry.TaskSet
}

// Path returns a copy of the cells for assignment to a room.
func (b *Board) Path() []registry.Cell {
	return append([]registry.Cell(nil), b.Cells...)
}

// TaskSet returns the named pool, falling back to the default pool when the
// name is empty or unknown.
func (b *Board) TaskSet(name string) *registry.TaskSet {
	if ts, ok := b.TaskSets[name]; ok {
		c := *ts
		return &c
	}
	if ts, ok := b.TaskSets[DefaultTaskSetName]; ok {
		c := *ts
		return &c
	}
	return DefaultTaskSet()
}

// TaskSetNames returns the configured pool names in sorted order.
func (b *Board) TaskSetNames() []string {
	names := make([]string, 0, len(b.TaskSets))
	for name := range b.TaskSets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the layout invariants: index i at position i, a start cell
// first, an end cell last, and no other start or end cells.
func (b *Board) Validate() error {
	var errs []string
	if len(b.Cells) < MinLength {
		errs = append(errs, fmt.Sprintf("board must have at least %d cells, got %d", MinLength, len(b.Cells)))
	}
	last := len(b.Cells) - 1
	for i, c := range b.Cells {
		if c.Index != i {
			errs = append(errs, fmt.Sprintf("cell %d has index %d", i, c.Index))
		}
		switch {
		case i == 0 && c.Type != registry.CellStart:
			errs = append(errs, "first cell must be start")
		case i == last && c.Type != registry.CellEnd:
			errs = append(errs, "last cell must be end")
		case i != 0 && i != last && (c.Type == registry.CellStart || c.Type == registry.CellEnd):
			errs = append(errs, fmt.Sprintf("cell %d: %s only allowed at the ends", i, c.Type))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Default builds a board of the given length with stars and traps spaced
// along the path and the built-in task pool.
//
// Precondition: length >= MinLength.
func Default(length int) *Board {
	if length < MinLength {
		panic(fmt.Sprintf("board.Default: length must be >= %d, got %d", MinLength, length))
	}
	cells := make([]registry.Cell, length)
	for i := range cells {
		cells[i] = registry.Cell{Index: i, Type: registry.CellPath}
		switch {
		case i == 0:
			cells[i].Type = registry.CellStart
		case i == length-1:
			cells[i].Type = registry.CellEnd
		case i%6 == 3:
			cells[i].Type = registry.CellStar
		case i%6 == 5:
			cells[i].Type = registry.CellTrap
		}
	}
	return &Board{
		Name:     "default",
		Cells:    cells,
		TaskSets: map[string]*registry.TaskSet{DefaultTaskSetName: DefaultTaskSet()},
	}
}

// DefaultTaskSet returns the built-in task pool.
func DefaultTaskSet() *registry.TaskSet {
	return &registry.TaskSet{
		Name: DefaultTaskSetName,
		Collision: []string{
			"Both players high-five without laughing",
			"Swap seats until the next turn",
			"Tell the other player a joke they have not heard",
		},
		Star: []string{
			"Sing the first line of a song chosen by the mover",
			"Do ten jumping jacks",
			"Share a favourite travel memory",
		},
		Trap: []string{
			"Balance on one foot for fifteen seconds",
			"Speak only in questions until your next turn",
			"Name five animals in ten seconds",
		},
	}
}

// yamlBoardFile is the top-level YAML structure for board files.
type yamlBoardFile struct {
	Board yamlBoard `yaml:"board"`
}

// yamlBoard is the YAML representation of a board. Cells not listed as stars
// or traps are plain path cells.
type yamlBoard struct {
	Name     string             `yaml:"name"`
	Length   int                `yaml:"length"`
	Stars    []int              `yaml:"stars"`
	Traps    []int              `yaml:"traps"`
	TaskSets []registry.TaskSet `yaml:"task_sets"`
}

// LoadFile reads and validates a board YAML file.
//
// Precondition: path must point to a valid YAML board file.
// Postcondition: Returns a validated Board or a non-nil error.
func LoadFile(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading board file %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates a board from YAML bytes.
//
// Postcondition: Returns a validated Board or a non-nil error.
func LoadBytes(data []byte) (*Board, error) {
	var file yamlBoardFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing board YAML: %w", err)
	}
	b, err := convertYAMLBoard(file.Board)
	if err != nil {
		return nil, fmt.Errorf("converting board: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("validating board: %w", err)
	}
	return b, nil
}

// Load returns the board at path, or the default board of the given length
// when path is empty.
func Load(path string, length int) (*Board, error) {
	if path == "" {
		return Default(length), nil
	}
	return LoadFile(path)
}

func convertYAMLBoard(yb yamlBoard) (*Board, error) {
	if yb.Length < MinLength {
		return nil, fmt.Errorf("length must be >= %d, got %d", MinLength, yb.Length)
	}
	b := &Board{
		Name:     yb.Name,
		Cells:    make([]registry.Cell, yb.Length),
		TaskSets: make(map[string]*registry.TaskSet, len(yb.TaskSets)),
	}
	for i := range b.Cells {
		b.Cells[i] = registry.Cell{Index: i, Type: registry.CellPath}
	}
	b.Cells[0].Type = registry.CellStart
	b.Cells[yb.Length-1].Type = registry.CellEnd

	mark := func(indexes []int, t registry.CellType) error {
		for _, i := range indexes {
			if i <= 0 || i >= yb.Length-1 {
				return fmt.Errorf("%s cell %d must lie strictly between start and end", t, i)
			}
			if b.Cells[i].Type != registry.CellPath {
				return fmt.Errorf("cell %d is both %s and %s", i, b.Cells[i].Type, t)
			}
			b.Cells[i].Type = t
		}
		return nil
	}
	if err := mark(yb.Stars, registry.CellStar); err != nil {
		return nil, err
	}
	if err := mark(yb.Traps, registry.CellTrap); err != nil {
		return nil, err
	}

	for i := range yb.TaskSets {
		ts := yb.TaskSets[i]
		if ts.Name == "" {
			return nil, fmt.Errorf("task set %d has no name", i)
		}
		if _, dup := b.TaskSets[ts.Name]; dup {
			return nil, fmt.Errorf("duplicate task set %q", ts.Name)
		}
		b.TaskSets[ts.Name] = &ts
	}
	if len(b.TaskSets) == 0 {
		b.TaskSets[DefaultTaskSetName] = DefaultTaskSet()
	}
	return b, nil
}
