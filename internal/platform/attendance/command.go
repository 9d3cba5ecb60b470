// Package attendance publishes check-in and check-out commands to the
// external attendance ledger.
package attendance

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command actions.
const (
	ActionCheckIn  = "check_in"
	ActionCheckOut = "check_out"
)

// Command is the JSON message consumed by the attendance ledger.
type Command struct {
	Action         string    `json:"action"`
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

func checkInCommand(userID, organizationID string, at time.Time) Command {
	return Command{Action: ActionCheckIn, UserID: userID, OrganizationID: organizationID, At: at.UTC()}
}

func checkOutCommand(userID, reason string, at time.Time) Command {
	return Command{Action: ActionCheckOut, UserID: userID, Reason: reason, At: at.UTC()}
}

func (c Command) encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", c.Action, err)
	}
	return data, nil
}
