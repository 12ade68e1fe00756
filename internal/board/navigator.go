package board

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Navigator owns one session's stack of visited boards. Independent
// navigators never share state.
type Navigator struct {
	repo *Repository
	home string

	mu    sync.Mutex
	stack []string
}

func NewNavigator(repo *Repository, homeID string) *Navigator {
	return &Navigator{repo: repo, home: homeID}
}

// Home resets the stack to the root board.
func (n *Navigator) Home(ctx context.Context) (Board, error) {
	b, err := n.repo.Get(ctx, n.home)
	if err != nil {
		return Board{}, err
	}
	n.mu.Lock()
	n.stack = []string{n.home}
	n.mu.Unlock()
	return b, nil
}

// Navigate pushes boardID. Missing boards return store.ErrNotFound and boards
// already on the stack return ErrCycleDetected; either way the stack is
// left unchanged.
func (n *Navigator) Navigate(ctx context.Context, boardID string) (Board, error) {
	n.mu.Lock()
	n.rootLocked()
	onStack := slices.Contains(n.stack, boardID)
	n.mu.Unlock()
	if onStack {
		return Board{}, fmt.Errorf("navigate to %q: %w", boardID, ErrCycleDetected)
	}

	b, err := n.repo.Get(ctx, boardID)
	if err != nil {
		return Board{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.rootLocked()
	if slices.Contains(n.stack, boardID) {
		return Board{}, fmt.Errorf("navigate to %q: %w", boardID, ErrCycleDetected)
	}
	n.stack = append(n.stack, boardID)
	return b, nil
}

// rootLocked seeds an untouched stack with the home board.
func (n *Navigator) rootLocked() {
	if len(n.stack) == 0 {
		n.stack = []string{n.home}
	}
}

// Back pops the current board and returns the one below it. At the root the
// stack is left as is.
func (n *Navigator) Back(ctx context.Context) (Board, error) {
	n.mu.Lock()
	if len(n.stack) > 1 {
		n.stack = n.stack[:len(n.stack)-1]
	}
	n.mu.Unlock()
	return n.Current(ctx)
}

// Current loads the board on top of the stack, homing first if the stack is empty.
func (n *Navigator) Current(ctx context.Context) (Board, error) {
	n.mu.Lock()
	var top string
	if len(n.stack) > 0 {
		top = n.stack[len(n.stack)-1]
	}
	n.mu.Unlock()
	if top == "" {
		return n.Home(ctx)
	}
	return n.repo.Get(ctx, top)
}

// Stack returns a copy of the visited board ids, root first.
func (n *Navigator) Stack() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.stack)
}

// ResolveCell resolves position on the current board.
func (n *Navigator) ResolveCell(ctx context.Context, position int) (Resolution, error) {
	b, err := n.Current(ctx)
	if err != nil {
		return Resolution{}, err
	}
	return n.repo.ResolveCell(ctx, b, position)
}
