package provider

import (
	"sort"
	"sync"
)

// Record scopes a provider may be granted access to.
const (
	ScopePrescriptions = "prescriptions"
	ScopeHealthMetrics = "health-metrics"
)

// Verifiable is implemented by every role that goes through administrator
// vetting. RequiredCredential names the credential a registration must carry.
type Verifiable interface {
	RequiredCredential() string
}

// Consentable is implemented by every role that may request patient consent.
// ConsentScopes lists the record scopes a granted access token covers.
type Consentable interface {
	ConsentScopes() []string
}

// Capabilities is what a role must provide to be registrable.
type Capabilities interface {
	Verifiable
	Consentable
}

var (
	rolesMu sync.RWMutex
	roles   = make(map[Role]Capabilities)
)

// RegisterRole makes a role available for registration. Adding a provider
// kind means registering its capabilities here, not editing call sites.
func RegisterRole(role Role, caps Capabilities) {
	rolesMu.Lock()
	defer rolesMu.Unlock()
	roles[role] = caps
}

// CapabilitiesFor returns the capabilities registered for role.
func CapabilitiesFor(role Role) (Capabilities, bool) {
	rolesMu.RLock()
	defer rolesMu.RUnlock()
	caps, ok := roles[role]
	return caps, ok
}

// KnownRoles returns the registered roles in sorted order.
func KnownRoles() []Role {
	rolesMu.RLock()
	defer rolesMu.RUnlock()
	out := make([]Role, 0, len(roles))
	for r := range roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type doctor struct{}

func (doctor) RequiredCredential() string { return "medical license number" }
func (doctor) ConsentScopes() []string {
	return []string{ScopePrescriptions, ScopeHealthMetrics}
}

type lab struct{}

func (lab) RequiredCredential() string { return "laboratory accreditation number" }
func (lab) ConsentScopes() []string    { return []string{ScopeHealthMetrics} }

type pharmacy struct{}

func (pharmacy) RequiredCredential() string { return "pharmacy license number" }
func (pharmacy) ConsentScopes() []string    { return []string{ScopePrescriptions} }

func init() {
	RegisterRole(RoleDoctor, doctor{})
	RegisterRole(RoleLab, lab{})
	RegisterRole(RolePharmacy, pharmacy{})
}
