package permission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"smallbiznis-gatekeeper/services/apikey"
)

func strptr(s string) *string { return &s }

func TestWildcardCoversUniverse(t *testing.T) {
	grants := []apikey.PermissionGrant{{Permission: string(Wildcard)}}

	for _, p := range Universe() {
		require.True(t, HasPermission(grants, p, nil), string(p))
		require.True(t, HasPermission(grants, p, strptr("flash_sale")), string(p))
	}
}

func TestExpandWildcard(t *testing.T) {
	expanded := Expand([]Permission{CouponSearch, Wildcard})
	require.ElementsMatch(t, Universe(), expanded)

	plain := []Permission{CouponSearch, WalletView}
	require.Equal(t, plain, Expand(plain))
}

func TestHasPermissionResourceNarrowing(t *testing.T) {
	scoped := []apikey.PermissionGrant{
		{Permission: string(CouponCreate), ResourceType: strptr("flash_sale")},
	}

	// Scoped grants satisfy only their own resource type.
	require.True(t, HasPermission(scoped, CouponCreate, strptr("flash_sale")))
	require.False(t, HasPermission(scoped, CouponCreate, strptr("seasonal")))
	require.False(t, HasPermission(scoped, CouponCreate, nil))

	// Unscoped grants cover every resource type.
	unscoped := []apikey.PermissionGrant{{Permission: string(CouponCreate)}}
	require.True(t, HasPermission(unscoped, CouponCreate, nil))
	require.True(t, HasPermission(unscoped, CouponCreate, strptr("seasonal")))
}

func TestHasPermissionMissingToken(t *testing.T) {
	grants := []apikey.PermissionGrant{{Permission: string(CouponSearch)}}
	require.False(t, HasPermission(grants, CouponCreate, nil))
	require.False(t, HasPermission(nil, CouponSearch, nil))
}

func TestDefaultPermissions(t *testing.T) {
	require.ElementsMatch(t,
		[]Permission{CouponCreate, CouponManage, InventoryUpdate, AnalyticsView},
		DefaultPermissions(apikey.CallerTypeMerchant),
	)
	require.ElementsMatch(t,
		[]Permission{CouponSearch, CouponPurchase, CouponRedeem, WalletView},
		DefaultPermissions(apikey.CallerTypeConsumer),
	)
	require.Equal(t, []Permission{Wildcard}, DefaultPermissions(apikey.CallerTypeAdmin))
	require.Nil(t, DefaultPermissions(apikey.CallerType("bogus")))

	// Returned slices are copies; mutating one must not poison the table.
	perms := DefaultPermissions(apikey.CallerTypeWebhook)
	perms[0] = Wildcard
	require.Equal(t, []Permission{WebhookReceive}, DefaultPermissions(apikey.CallerTypeWebhook))
}

func TestComplianceGates(t *testing.T) {
	// Gated permissions require a matching level.
	require.True(t, IsCompliant(CouponPurchase, apikey.CompliancePCI))
	require.False(t, IsCompliant(CouponPurchase, apikey.ComplianceBasic))
	require.False(t, IsCompliant(CouponPurchase, apikey.ComplianceGDPR))

	require.True(t, IsCompliant(WalletView, apikey.ComplianceGDPR))
	require.True(t, IsCompliant(WalletView, apikey.ComplianceLGPD))
	require.False(t, IsCompliant(WalletView, apikey.ComplianceSOX))

	require.True(t, IsCompliant(RevenueRead, apikey.ComplianceSOX))
	require.False(t, IsCompliant(RevenueRead, apikey.ComplianceHIPAA))

	// Ungated permissions pass at any level.
	require.True(t, IsCompliant(CouponSearch, apikey.ComplianceBasic))
	require.True(t, IsCompliant(WebhookReceive, apikey.ComplianceBasic))
}
