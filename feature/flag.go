package feature

import (
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a flag. Only ACTIVE and INACTIVE flags
// consult their override lists; only ACTIVE flags consult the rollout.
type Status string

// Lifecycle states.
const (
	StatusDraft    Status = "DRAFT"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// Live reports whether a flag in this state applies overrides at all.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusInactive
}

// ParseStatus parses a status name, ignoring case.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", Invalid("status", "unknown status %q", s)
	}
	return status, nil
}

// Type is the value type of a flag. Only boolean flags are supported.
type Type string

// TypeBoolean is the only flag type.
const TypeBoolean Type = "BOOLEAN"

// ParseType parses a type name, ignoring case.
func ParseType(s string) (Type, error) {
	typ := Type(strings.ToUpper(strings.TrimSpace(s)))
	if typ != TypeBoolean {
		return "", Invalid("type", "unsupported type %q", s)
	}
	return typ, nil
}

// MaxRollout is the largest rollout percentage.
const MaxRollout = 100

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Flag is a boolean feature flag definition.
//
// EnabledUserIDs and DisabledUserIDs are kept sorted and free of duplicates,
// and never share a member. Version, CreatedAt and UpdatedAt are owned by the
// store.
type Flag struct {
	Key               string    `json:"key"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Type              Type      `json:"type"`
	Status            Status    `json:"status"`
	DefaultValue      bool      `json:"defaultValue"`
	RolloutPercentage int       `json:"rolloutPercentage"`
	EnabledUserIDs    []string  `json:"enabledUserIds"`
	DisabledUserIDs   []string  `json:"disabledUserIds"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// ValidateKey checks that key can be used as a flag key.
func ValidateKey(key string) error {
	if key == "" {
		return Invalid("key", "must not be empty")
	}
	if !keyPattern.MatchString(key) {
		return Invalid("key", "%q must be 1-128 characters of letters, digits, '.', '_', ':' or '-'", key)
	}
	return nil
}

// ValidateRollout checks that percentage is within [0, MaxRollout].
func ValidateRollout(percentage int) error {
	if percentage < 0 || percentage > MaxRollout {
		return Invalid("rolloutPercentage", "%d is outside [0, %d]", percentage, MaxRollout)
	}
	return nil
}

// Validate checks every invariant of the flag definition. The override lists
// must already be normalized.
func (f Flag) Validate() error {
	if err := ValidateKey(f.Key); err != nil {
		return err
	}
	if strings.TrimSpace(f.Name) == "" {
		return Invalid("name", "must not be empty")
	}
	if f.Type != TypeBoolean {
		return Invalid("type", "unsupported type %q", f.Type)
	}
	if !f.Status.Valid() {
		return Invalid("status", "unknown status %q", f.Status)
	}
	if err := ValidateRollout(f.RolloutPercentage); err != nil {
		return err
	}
	for _, id := range f.EnabledUserIDs {
		if id == "" {
			return Invalid("enabledUserIds", "user ids must not be empty")
		}
	}
	for _, id := range f.DisabledUserIDs {
		if id == "" {
			return Invalid("disabledUserIds", "user ids must not be empty")
		}
		if contains(f.EnabledUserIDs, id) {
			return Invalid("disabledUserIds", "user %q is also in enabledUserIds", id)
		}
	}
	return nil
}

// Normalize sorts and de-duplicates both override lists in place.
func (f *Flag) Normalize() {
	f.EnabledUserIDs = normalize(f.EnabledUserIDs)
	f.DisabledUserIDs = normalize(f.DisabledUserIDs)
}

// Clone returns a deep copy of f.
func (f Flag) Clone() Flag {
	f.EnabledUserIDs = copyOf(f.EnabledUserIDs)
	f.DisabledUserIDs = copyOf(f.DisabledUserIDs)
	return f
}

// SameDefinition reports whether two flags carry the same configuration,
// ignoring the store-owned version and timestamps.
func (f Flag) SameDefinition(o Flag) bool {
	return f.Key == o.Key &&
		f.Name == o.Name &&
		f.Description == o.Description &&
		f.Type == o.Type &&
		f.Status == o.Status &&
		f.DefaultValue == o.DefaultValue &&
		f.RolloutPercentage == o.RolloutPercentage &&
		equal(f.EnabledUserIDs, o.EnabledUserIDs) &&
		equal(f.DisabledUserIDs, o.DisabledUserIDs)
}

// IsEnabledUser reports whether id is on the allow list.
func (f Flag) IsEnabledUser(id string) bool { return contains(f.EnabledUserIDs, id) }

// IsDisabledUser reports whether id is on the deny list.
func (f Flag) IsDisabledUser(id string) bool { return contains(f.DisabledUserIDs, id) }

// AddEnabledUser puts id on the allow list, taking it off the deny list first.
func (f *Flag) AddEnabledUser(id string) {
	f.DisabledUserIDs = remove(f.DisabledUserIDs, id)
	f.EnabledUserIDs = insert(f.EnabledUserIDs, id)
}

// AddDisabledUser puts id on the deny list, taking it off the allow list first.
func (f *Flag) AddDisabledUser(id string) {
	f.EnabledUserIDs = remove(f.EnabledUserIDs, id)
	f.DisabledUserIDs = insert(f.DisabledUserIDs, id)
}

// RemoveEnabledUser takes id off the allow list. Absent ids are ignored.
func (f *Flag) RemoveEnabledUser(id string) {
	f.EnabledUserIDs = remove(f.EnabledUserIDs, id)
}

// RemoveDisabledUser takes id off the deny list. Absent ids are ignored.
func (f *Flag) RemoveDisabledUser(id string) {
	f.DisabledUserIDs = remove(f.DisabledUserIDs, id)
}
