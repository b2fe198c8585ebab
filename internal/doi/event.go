package doi

import (
	"errors"
	"fmt"
	"time"
)

// LifecycleEvent asks the worker to move a DOI to a registrar-visible state.
// It is the payload of the durable event channel.
type LifecycleEvent struct {
	ID        string    `json:"id"`
	DOI       DOI       `json:"doi"`
	Status    Status    `json:"status"`
	Metadata  string    `json:"metadata,omitempty"`
	Target    string    `json:"target,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate rejects events the worker cannot act on.
func (e LifecycleEvent) Validate() error {
	if e.DOI.IsZero() {
		return errors.New("lifecycle event without doi")
	}
	switch e.Status {
	case StatusRegistered, StatusReserved, StatusDeleted:
		return nil
	}
	return fmt.Errorf("lifecycle event for %s: unsupported desired status %q", e.DOI, e.Status)
}
