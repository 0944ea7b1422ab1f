package director

import (
	"fmt"
	"strings"
	"time"
)

// staticInstructions describes the assistant's operating contract.
// Always prepended to the system prompt.
const staticInstructions = `You are a personal AI assistant. You help with research, scheduling, file management, and day-to-day tasks.

## How to work

- Think through the task, calling tools as needed to gather information or take action.
- Tool calls in a single turn run concurrently; only request calls that are independent of each other.
- When you have everything you need, call the respond tool exactly once with your final answer. The respond call ends the turn.
- Some actions require user approval before they run. If an action is denied, adapt and continue; do not retry the same action.

## Guidelines

- Prefer acting over asking when the task is unambiguous.
- Keep final responses direct and well-organized.`

// systemPrompt grounds the model with the current date, the user
// record, and the style flags for this turn.
func (d *Director) systemPrompt(in RunInput) string {
	parts := []string{staticInstructions}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	parts = append(parts, fmt.Sprintf("## Context\n\nToday is %s, %s.",
		now.Weekday(), now.Format("January 2, 2006")))

	if in.User != nil {
		user := fmt.Sprintf("You are assisting %s.", in.User.Name)
		if in.User.Timezone != "" {
			user += fmt.Sprintf(" Their timezone is %s.", in.User.Timezone)
		}
		parts = append(parts, user)
	}

	switch {
	case in.DeepThought:
		parts = append(parts, "Take your time: reason carefully and double-check intermediate results before responding.")
	case in.FastMode:
		parts = append(parts, "Be brief: minimize tool calls and respond as quickly as possible.")
	}

	return strings.Join(parts, "\n\n")
}
