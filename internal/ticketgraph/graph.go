// Package ticketgraph holds the pure rules of the ticket dependency graph:
// readiness, work ordering and cycle detection.
package ticketgraph

import (
	"sort"

	"github.com/good-yellow-bee/sentinel/internal/models"
)

// Ready reports whether a ticket can be worked on: it is pending and every
// ticket it depends on is completed. A failed or blocked dependency keeps the
// ticket waiting.
func Ready(t *models.Ticket, depStatuses map[int64]models.TicketStatus) bool {
	if t == nil || t.Status != models.StatusPending {
		return false
	}
	for _, st := range depStatuses {
		if st != models.StatusCompleted {
			return false
		}
	}
	return true
}

// Blockers returns the ids of dependencies that are not completed, sorted.
func Blockers(depStatuses map[int64]models.TicketStatus) []int64 {
	var out []int64
	for id, st := range depStatuses {
		if st != models.StatusCompleted {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Less orders tickets for work: priority rank first, then creation time,
// then id.
func Less(a, b *models.Ticket) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortForWork sorts tickets in place into work order.
func SortForWork(tickets []*models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return Less(tickets[i], tickets[j])
	})
}

// WouldCycle reports whether adding the edge from -> to (from depends on to)
// would close a cycle in graph. graph maps each ticket to the tickets it
// depends on.
func WouldCycle(graph map[int64][]int64, from, to int64) bool {
	if from == to {
		return true
	}
	// A cycle appears iff from is reachable from to.
	visited := map[int64]bool{to: true}
	stack := []int64{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range graph[cur] {
			if next == from {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}
