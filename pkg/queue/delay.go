// Package queue provides a Redis-backed delay queue for sandbox lifecycle
// actions. Delivery is at-least-once; consumers deduplicate by
// (sandbox_id, action) and sandbox activity time.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action is a scheduled sandbox lifecycle action.
type Action string

// Scheduled actions.
const (
	ActionPause  Action = "pause"
	ActionDelete Action = "delete"
)

// Message is one delayed task.
type Message struct {
	SandboxID string    `json:"sandbox_id"`
	Action    Action    `json:"action"`
	DeliverAt time.Time `json:"deliver_at"`
}

// DelayQueue schedules messages for future delivery in a Redis sorted set,
// scored by delivery time. A message is keyed by (sandbox_id, action), so
// rescheduling replaces the previous entry: at most one scheduled pause and
// one scheduled delete exist per sandbox at any instant.
type DelayQueue struct {
	rdb *redis.Client
	key string
}

// NewDelayQueue builds a queue over the given Redis client.
func NewDelayQueue(rdb *redis.Client) *DelayQueue {
	return &DelayQueue{rdb: rdb, key: "flowmesh:sandbox:delay"}
}

func member(sandboxID string, action Action) string {
	return sandboxID + ":" + string(action)
}

// Schedule enqueues (or reschedules) an action for a sandbox.
func (q *DelayQueue) Schedule(ctx context.Context, sandboxID string, action Action, deliverAt time.Time) error {
	err := q.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: member(sandboxID, action),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule %s for sandbox %s: %w", action, sandboxID, err)
	}
	return nil
}

// Cancel removes a scheduled action. Missing entries are not an error.
func (q *DelayQueue) Cancel(ctx context.Context, sandboxID string, action Action) error {
	if err := q.rdb.ZRem(ctx, q.key, member(sandboxID, action)).Err(); err != nil {
		return fmt.Errorf("failed to cancel %s for sandbox %s: %w", action, sandboxID, err)
	}
	return nil
}

// claimDueScript atomically pops due members. Claiming via Lua keeps
// delivery at-least-once without handing the same member to two consumers
// of the same Redis instance.
var claimDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, ARGV[2])
local claimed = {}
for i = 1, #due, 2 do
	if redis.call('ZREM', KEYS[1], due[i]) == 1 then
		claimed[#claimed + 1] = due[i]
		claimed[#claimed + 1] = due[i + 1]
	end
end
return claimed
`)

// ClaimDue pops up to limit messages whose delivery time has passed.
func (q *DelayQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	raw, err := claimDueScript.Run(ctx, q.rdb, []string{q.key},
		now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim due messages: %w", err)
	}

	var out []Message
	for i := 0; i+1 < len(raw); i += 2 {
		msg, err := parseMember(raw[i], raw[i+1])
		if err != nil {
			// Malformed entries are dropped, not retried forever.
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func parseMember(m, score string) (Message, error) {
	var msg Message
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] == ':' {
			msg.SandboxID = m[:i]
			msg.Action = Action(m[i+1:])
			break
		}
	}
	if msg.SandboxID == "" || (msg.Action != ActionPause && msg.Action != ActionDelete) {
		return msg, fmt.Errorf("malformed delay queue member %q", m)
	}
	var ms float64
	if _, err := fmt.Sscanf(score, "%f", &ms); err != nil {
		return msg, fmt.Errorf("malformed score %q: %w", score, err)
	}
	msg.DeliverAt = time.UnixMilli(int64(ms))
	return msg, nil
}
