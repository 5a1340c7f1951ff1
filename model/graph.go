package model

import (
	"fmt"
	"sort"
)

// ValidateDefinitionGraph checks a state-machine graph for internal
// consistency and returns every defect found. An empty result means the
// graph is usable.
//
// Checks run in a fixed order and never stop early:
//  1. initial_state is a declared state
//  2. every terminal state is a declared state
//  3. every transition source and target is a declared state
//  4. no terminal state has outgoing transitions
//  5. every declared state is reachable from initial_state
//
// The function is pure; identical input yields an identical, order-stable
// result. Transition sources are visited in sorted order.
func ValidateDefinitionGraph(states []string, transitions map[string][]string, initialState string, terminalStates []string) []string {
	errs := []string{}

	known := make(map[string]bool, len(states))
	for _, s := range states {
		known[s] = true
	}

	if !known[initialState] {
		errs = append(errs, fmt.Sprintf("initial_state '%s' not in states", initialState))
	}

	for _, ts := range terminalStates {
		if !known[ts] {
			errs = append(errs, fmt.Sprintf("terminal_state '%s' not in states", ts))
		}
	}

	for _, from := range sortedSources(transitions) {
		if !known[from] {
			errs = append(errs, fmt.Sprintf("transition from unknown state '%s'", from))
		}
		for _, to := range transitions[from] {
			if !known[to] {
				errs = append(errs, fmt.Sprintf("transition to unknown state '%s'", to))
			}
		}
	}

	for _, ts := range terminalStates {
		if len(transitions[ts]) > 0 {
			errs = append(errs, fmt.Sprintf("terminal state '%s' has outgoing transitions", ts))
		}
	}

	// Reachability only makes sense from a real starting point.
	if known[initialState] {
		reachable := ReachableStates(initialState, transitions)
		for _, s := range states {
			if !reachable[s] {
				errs = append(errs, fmt.Sprintf("state '%s' unreachable from initial_state", s))
			}
		}
	}

	return errs
}

// ReachableStates runs a breadth-first traversal from start and returns the
// visited set, start included.
func ReachableStates(start string, transitions map[string][]string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range transitions[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	return visited
}

func sortedSources(transitions map[string][]string) []string {
	keys := make([]string, 0, len(transitions))
	for k := range transitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
