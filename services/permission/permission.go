// Package permission implements the marketplace permission model: per
// caller-type defaults, wildcard expansion and compliance gating. Everything
// here is a pure table lookup; no I/O.
package permission

import (
	"smallbiznis-gatekeeper/services/apikey"
)

// Permission is an opaque token namespaced "resource.action".
type Permission string

// Wildcard implies every permission in the universe. It is an explicit
// variant checked by identity, never derived by parsing token text.
const Wildcard Permission = "*"

const (
	CouponCreate    Permission = "coupon.create"
	CouponManage    Permission = "coupon.manage"
	CouponSearch    Permission = "coupon.search"
	CouponPurchase  Permission = "coupon.purchase"
	CouponRedeem    Permission = "coupon.redeem"
	InventoryUpdate Permission = "inventory.update"
	AnalyticsView   Permission = "analytics.view"
	RevenueRead     Permission = "analytics.revenue"
	WalletView      Permission = "wallet.view"
	WebhookReceive  Permission = "webhook.receive"
	WebhookManage   Permission = "webhook.manage"
)

// Universe lists every defined permission. Expansion of the wildcard resolves
// against this table.
func Universe() []Permission {
	return []Permission{
		CouponCreate,
		CouponManage,
		CouponSearch,
		CouponPurchase,
		CouponRedeem,
		InventoryUpdate,
		AnalyticsView,
		RevenueRead,
		WalletView,
		WebhookReceive,
		WebhookManage,
	}
}

var defaults = map[apikey.CallerType][]Permission{
	apikey.CallerTypeMerchant: {CouponCreate, CouponManage, InventoryUpdate, AnalyticsView},
	apikey.CallerTypeConsumer: {CouponSearch, CouponPurchase, CouponRedeem, WalletView},
	apikey.CallerTypePlatform: {CouponSearch, CouponManage, InventoryUpdate, AnalyticsView, WebhookManage},
	apikey.CallerTypeAdmin:    {Wildcard},
	apikey.CallerTypeWebhook:  {WebhookReceive},
	apikey.CallerTypePartner:  {CouponSearch, AnalyticsView},
}

// DefaultPermissions returns the fixed permission set seeded for a caller
// type at key creation.
func DefaultPermissions(callerType apikey.CallerType) []Permission {
	perms, ok := defaults[callerType]
	if !ok {
		return nil
	}
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// Expand resolves the wildcard into the full universe; any other set is
// returned as-is.
func Expand(perms []Permission) []Permission {
	for _, p := range perms {
		if p == Wildcard {
			return Universe()
		}
	}
	return perms
}

// HasPermission reports whether the grants cover the permission, honoring
// resource-type narrowing: an exact (permission, resourceType) grant, an
// unscoped (permission, nil) grant, or the wildcard all satisfy it.
func HasPermission(grants []apikey.PermissionGrant, perm Permission, resourceType *string) bool {
	for _, g := range grants {
		if Permission(g.Permission) == Wildcard {
			return true
		}
		if Permission(g.Permission) != perm {
			continue
		}
		if g.ResourceType == nil {
			return true
		}
		if resourceType != nil && *g.ResourceType == *resourceType {
			return true
		}
	}
	return false
}

// complianceGates maps sensitive permissions to the compliance levels allowed
// to exercise them. Permissions absent from the table are ungated.
var complianceGates = map[Permission][]apikey.ComplianceLevel{
	CouponPurchase: {apikey.CompliancePCI},
	WalletView:     {apikey.CompliancePCI, apikey.ComplianceGDPR, apikey.ComplianceLGPD},
	RevenueRead:    {apikey.CompliancePCI, apikey.ComplianceSOX},
}

// IsCompliant is a static table check, not a call to an external compliance
// service. A failed check is an expected outcome, never an error.
func IsCompliant(perm Permission, level apikey.ComplianceLevel) bool {
	allowed, gated := complianceGates[perm]
	if !gated {
		return true
	}
	for _, l := range allowed {
		if l == level {
			return true
		}
	}
	return false
}
