package doi

import (
	"fmt"
	"strings"
)

// Status describes where an identifier is in its registration lifecycle. The
// values are persisted in the ledger and must stay stable.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusReserved   Status = "RESERVED"
	StatusRegistered Status = "REGISTERED"
	StatusDeleted    Status = "DELETED"
	// StatusFailed means the last registrar interaction errored and the real
	// status has to be rediscovered.
	StatusFailed Status = "FAILED"
)

// ParseStatus converts a case-insensitive name into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusReserved, StatusRegistered, StatusDeleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown doi status %q", s)
}

func (s Status) String() string { return string(s) }

// Type records what kind of resource a DOI was minted for. It never changes
// after creation.
type Type string

const (
	TypeDataset     Type = "DATASET"
	TypeDownload    Type = "DOWNLOAD"
	TypeDataPackage Type = "DATA_PACKAGE"
)

// ParseType converts a case-insensitive name into a Type. Dashes are accepted
// in place of underscores so "data-package" works on the command line.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	switch t {
	case TypeDataset, TypeDownload, TypeDataPackage:
		return t, nil
	}
	return "", fmt.Errorf("unknown doi type %q", s)
}

// Shoulder is the namespace segment embedded at the start of the suffix.
func (t Type) Shoulder() string {
	switch t {
	case TypeDownload:
		return "dl."
	case TypeDataPackage:
		return "dp."
	default:
		return ""
	}
}

func (t Type) String() string { return string(t) }

// Data is the ledger's value for one identifier.
type Data struct {
	Status Status `json:"status"`
	// Target is the URL the identifier resolves to. Empty only when deleted.
	Target string `json:"target,omitempty"`
}
