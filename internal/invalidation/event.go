// Package invalidation defines the cache invalidation events published when
// a user's provider link changes outside this service.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

const (
	// OpLinkReset: the user re-linked or unlinked, cached results are void.
	OpLinkReset = "link-reset"
	// OpPurge: administrative purge of everything cached for the user.
	OpPurge = "purge"
)

type Event struct {
	Version   int       `json:"version"`
	Op        string    `json:"op"`
	AppUserID string    `json:"app_user_id"`
	TS        time.Time `json:"ts"`
	Source    string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpLinkReset, OpPurge:
	default:
		return fmt.Errorf("op must be %s|%s", OpLinkReset, OpPurge)
	}
	if strings.TrimSpace(e.AppUserID) == "" {
		return fmt.Errorf("app_user_id is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}
