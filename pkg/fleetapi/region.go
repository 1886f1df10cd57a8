package fleetapi

import (
	"fmt"
	"strings"

	"github.com/greendrive/vehicle-score/pkg/credential"
)

// Region selects the Fleet API deployment an account lives in.
type Region string

const (
	RegionNA Region = "na"
	RegionEU Region = "eu"
	RegionCN Region = "cn"

	DefaultRegion = RegionEU
)

var regionHosts = map[Region]struct {
	api  string
	auth string
}{
	RegionNA: {"fleet-api.prd.na.vn.cloud.tesla.com", "fleet-auth.prd.vn.cloud.tesla.com"},
	RegionEU: {"fleet-api.prd.eu.vn.cloud.tesla.com", "fleet-auth.prd.vn.cloud.tesla.com"},
	RegionCN: {"fleet-api.prd.cn.vn.cloud.tesla.cn", "auth.tesla.cn"},
}

// ParseRegion converts a case-insensitive region name. The empty string selects [DefaultRegion].
func ParseRegion(name string) (Region, error) {
	if name == "" {
		return DefaultRegion, nil
	}
	r := Region(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := regionHosts[r]; !ok {
		return "", fmt.Errorf("unrecognized region '%s' (expected na, eu or cn)", name)
	}
	return r, nil
}

// APIHost returns the Fleet API domain for r.
func (r Region) APIHost() string {
	return regionHosts[r].api
}

// TokenURL returns the OAuth token endpoint for r.
func (r Region) TokenURL() string {
	return fmt.Sprintf("https://%s/oauth2/v3/token", regionHosts[r].auth)
}

// RegionFromToken infers the region from an access token's ou_code claim, falling back to any
// fleet-api audience. The token signature is not checked.
func RegionFromToken(accessToken string) (Region, bool) {
	claims, err := credential.ParseClaims(accessToken)
	if err != nil {
		return "", false
	}
	if r, err := ParseRegion(claims.OUCode); err == nil && claims.OUCode != "" {
		return r, true
	}
	for _, aud := range claims.Audience {
		d, _ := strings.CutPrefix(aud, "https://")
		d, _ = strings.CutSuffix(d, "/")
		for r, hosts := range regionHosts {
			if d == hosts.api {
				return r, true
			}
		}
	}
	return "", false
}

// ValidTeslaDomainSuffix returns true if domain belongs to Tesla.
func ValidTeslaDomainSuffix(domain string) bool {
	return strings.HasSuffix(domain, ".tesla.com") || strings.HasSuffix(domain, ".tesla.cn") || strings.HasSuffix(domain, ".teslamotors.com")
}
