package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimGateway is an in-process vault used by tests and local development. It
// executes every movement immediately and can be scripted to reject or time
// out specific (asset, call-ordinal) combinations.
type SimGateway struct {
	mu        sync.Mutex
	movements map[uuid.UUID]Movement
	calls     int
	failures  map[int]error
}

func NewSimGateway() *SimGateway {
	return &SimGateway{
		movements: make(map[uuid.UUID]Movement),
		failures:  make(map[int]error),
	}
}

// FailCall makes the nth MoveAsset call (1-based) return err instead of
// executing. Idempotent replays still count as calls.
func (g *SimGateway) FailCall(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[n] = err
}

func (g *SimGateway) MoveAsset(ctx context.Context, req MoveRequest) (Movement, error) {
	if err := ctx.Err(); err != nil {
		return Movement{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if err, ok := g.failures[g.calls]; ok {
		return Movement{}, err
	}

	if existing, ok := g.movements[req.IdempotencyKey]; ok {
		return existing, nil
	}

	movement := Movement{
		Reference:  fmt.Sprintf("sim-%s", uuid.NewSHA1(uuid.NameSpaceOID, req.IdempotencyKey[:])),
		ExecutedAt: time.Now().UTC(),
	}
	g.movements[req.IdempotencyKey] = movement
	return movement, nil
}

func (g *SimGateway) CheckMovement(ctx context.Context, idempotencyKey uuid.UUID) (Movement, bool, error) {
	if err := ctx.Err(); err != nil {
		return Movement{}, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	movement, ok := g.movements[idempotencyKey]
	return movement, ok, nil
}

// Calls reports how many MoveAsset attempts the gateway has seen.
func (g *SimGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
