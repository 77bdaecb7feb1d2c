package graph

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/llm"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// toolCallAssembler reassembles interleaved tool-call fragments.
// Providers emit arguments as character chunks tagged with an index that
// identifies which call a fragment belongs to; fragments without an index
// are treated as a single standalone call.
type toolCallAssembler struct {
	order  []int
	groups map[int]*toolCallGroup
	logger *slog.Logger
}

type toolCallGroup struct {
	id   string
	name string
	args strings.Builder
}

const standaloneIndex = -1

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{
		groups: make(map[int]*toolCallGroup),
		logger: slog.Default(),
	}
}

// Add folds one fragment into its group. The first non-empty name and id
// seen for an index are adopted; later name mismatches are logged and
// ignored. Args fragments concatenate in arrival order.
func (a *toolCallAssembler) Add(chunk *llm.ToolCallChunk) {
	idx := standaloneIndex
	if chunk.Index != nil {
		idx = *chunk.Index
	}

	g, ok := a.groups[idx]
	if !ok {
		g = &toolCallGroup{}
		a.groups[idx] = g
		a.order = append(a.order, idx)
	}

	if g.id == "" && chunk.ID != "" {
		g.id = chunk.ID
	}
	if chunk.Name != "" {
		if g.name == "" {
			g.name = chunk.Name
		} else if g.name != chunk.Name {
			a.logger.Warn("tool call name mismatch in stream",
				"index", idx, "have", g.name, "got", chunk.Name)
		}
	}
	g.args.WriteString(chunk.Args)
}

// Empty reports whether no fragments have been seen.
func (a *toolCallAssembler) Empty() bool {
	return len(a.order) == 0
}

// Complete reports whether every group has a known tool name.
func (a *toolCallAssembler) Complete() bool {
	for _, idx := range a.order {
		if a.groups[idx].name == "" {
			return false
		}
	}
	return !a.Empty()
}

// Calls finalizes the groups into tool calls, in first-seen index order.
// Groups missing an id get a generated one; args that are not valid JSON
// are preserved verbatim as a JSON string.
func (a *toolCallAssembler) Calls() []models.ToolCall {
	out := make([]models.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		g := a.groups[idx]
		id := g.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, models.ToolCall{
			ID:    id,
			Name:  g.name,
			Args:  normalizeArgs(g.args.String()),
			State: models.ToolCallPending,
		})
	}
	return out
}

func normalizeArgs(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}
