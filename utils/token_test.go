package utils

import "testing"

func TestJwtRoundTrip_CarriesTenant(t *testing.T) {
	t.Setenv("API_SECRET", "unit-test-secret")

	token, err := JwtGenerate("shop-7", 3, "till-1", "cashier")
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}
	claims, err := JwtValidate(token)
	if err != nil {
		t.Fatalf("JwtValidate error: %v", err)
	}
	if claims.TenantId != "shop-7" || claims.DeviceId != "till-1" || claims.UserId != 3 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestJwtValidate_RejectsForeignSignature(t *testing.T) {
	t.Setenv("API_SECRET", "one")
	token, err := JwtGenerate("shop-7", 3, "till-1", "cashier")
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}
	t.Setenv("API_SECRET", "two")
	if _, err := JwtValidate(token); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestJwtGenerate_RequiresTenant(t *testing.T) {
	if _, err := JwtGenerate(" ", 1, "", ""); err == nil {
		t.Fatalf("expected error for empty tenant")
	}
}
