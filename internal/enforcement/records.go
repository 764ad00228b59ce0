package enforcement

import (
	"strings"
	"time"
)

// Product is the protected work infringements are attributed to.
type Product struct {
	ID        string
	TenantID  string
	Name      string
	CreatedAt time.Time
}

// Scan is a recurring discovery job for one product.
type Scan struct {
	ID        string
	ProductID string
	TenantID  string
	Name      string
	CreatedAt time.Time
}

// ScanRun is the immutable record of one scan execution.
type ScanRun struct {
	ID                     string
	ScanID                 string
	ProductID              string
	RanAt                  time.Time
	Duration               time.Duration
	URLsScanned            int
	NewInfringements       int
	ReseenInfringements    int
	LookupsAvoided         int
	ClassificationsAvoided int
}

// CostKind labels a cost event.
type CostKind string

const (
	CostLookup                CostKind = "lookup"
	CostClassification        CostKind = "classification"
	CostLookupAvoided         CostKind = "lookup_avoided"
	CostClassificationAvoided CostKind = "classification_avoided"
)

// CostEvent records external work performed or skipped during a scan.
type CostEvent struct {
	ScanID     string
	Kind       CostKind
	Count      int
	RecordedAt time.Time
}

// ActorKind distinguishes who triggered a state change.
type ActorKind string

const (
	ActorUser       ActorKind = "user"
	ActorAutomation ActorKind = "automation"
	ActorSystem     ActorKind = "system"
)

// Actor identifies the originator of a transition for the audit trail.
type Actor struct {
	Kind ActorKind
	ID   string
}

// UserActor returns an actor for a human user.
func UserActor(id string) Actor { return Actor{Kind: ActorUser, ID: id} }

// AutomationActor returns an actor for a scheduled component.
func AutomationActor(component string) Actor {
	return Actor{Kind: ActorAutomation, ID: component}
}

func (a Actor) String() string {
	if a.Kind == "" {
		return string(ActorSystem)
	}
	if a.ID == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.ID
}

// ParseActor reverses Actor.String.
func ParseActor(value string) Actor {
	kind, id, _ := strings.Cut(strings.TrimSpace(value), ":")
	if kind == "" {
		return Actor{Kind: ActorSystem}
	}
	return Actor{Kind: ActorKind(kind), ID: id}
}

// Caller is the identity attached to an inbound operation by the external
// identity layer, or the internal automation credential.
type Caller struct {
	Automation bool
	TenantID   string
	UserID     string
}

// AutomationCaller returns the internal scheduler identity.
func AutomationCaller() Caller { return Caller{Automation: true} }

// OwnerCaller returns a tenant-scoped user identity.
func OwnerCaller(tenantID, userID string) Caller {
	return Caller{TenantID: strings.TrimSpace(tenantID), UserID: strings.TrimSpace(userID)}
}

// Valid reports whether the caller carries any usable identity.
func (c Caller) Valid() bool {
	return c.Automation || c.TenantID != ""
}

// CanAccess reports whether the caller may act on a tenant's records.
func (c Caller) CanAccess(tenantID string) bool {
	if c.Automation {
		return true
	}
	return c.TenantID != "" && c.TenantID == tenantID
}

// Actor converts the caller into an audit actor.
func (c Caller) Actor(component string) Actor {
	if c.Automation {
		return AutomationActor(component)
	}
	return UserActor(c.UserID)
}

// AuditEntry records one state change or metadata change.
type AuditEntry struct {
	ID         string
	EntityType string
	EntityID   string
	Action     string
	Actor      Actor
	Reason     string
	Before     string
	After      string
	CreatedAt  time.Time
}
