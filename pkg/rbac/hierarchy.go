package rbac

import (
	"context"
	"fmt"
)

// HierarchyReader is the edge lookup the hierarchy resolver needs
type HierarchyReader interface {
	ChildRoleIDs(ctx context.Context, parentRoleID int64) ([]int64, error)
	HierarchyEdgeExists(ctx context.Context, parentRoleID, childRoleID int64) (bool, error)
}

// HierarchyResolver walks the role inheritance graph. A parent role
// inherits everything its children hold, so walking parent -> child
// edges from a role yields every role whose grants it carries.
type HierarchyResolver struct {
	edges HierarchyReader
}

// NewHierarchyResolver creates a resolver over the given edge store
func NewHierarchyResolver(edges HierarchyReader) *HierarchyResolver {
	return &HierarchyResolver{edges: edges}
}

// ResolveClosure returns every role reachable from startRoleIDs by
// following parent -> child edges, the start roles included. Traversal
// is breadth-first with a visited set, so cycles terminate. Unknown ids
// have no outgoing edges and come back unchanged.
func (h *HierarchyResolver) ResolveClosure(ctx context.Context, startRoleIDs []int64) ([]int64, error) {
	visited := make(map[int64]struct{}, len(startRoleIDs))
	closure := make([]int64, 0, len(startRoleIDs))
	queue := make([]int64, 0, len(startRoleIDs))

	for _, id := range startRoleIDs {
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		closure = append(closure, id)
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := queue[0]
		queue = queue[1:]

		children, err := h.edges.ChildRoleIDs(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("resolve closure of role %d: %w", current, err)
		}

		for _, child := range children {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			closure = append(closure, child)
			queue = append(queue, child)
		}
	}

	return closure, nil
}

// WouldCreateCycle reports whether adding parent -> child would close a
// loop: either a self-edge, or child already inherits from parent.
func (h *HierarchyResolver) WouldCreateCycle(ctx context.Context, parentRoleID, childRoleID int64) (bool, error) {
	if parentRoleID == childRoleID {
		return true, nil
	}

	descendants, err := h.ResolveClosure(ctx, []int64{childRoleID})
	if err != nil {
		return false, err
	}
	for _, id := range descendants {
		if id == parentRoleID {
			return true, nil
		}
	}
	return false, nil
}

// EdgeExists reports whether exactly parent -> child is stored
func (h *HierarchyResolver) EdgeExists(ctx context.Context, parentRoleID, childRoleID int64) (bool, error) {
	return h.edges.HierarchyEdgeExists(ctx, parentRoleID, childRoleID)
}
