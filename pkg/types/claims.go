package types

// Claims are the verified claims of an access token issued through the
// client-credentials grant.
type Claims struct {
	Issuer          string   `json:"iss"`
	Subject         string   `json:"sub"`
	Audience        []string `json:"aud"`
	IssuedAt        int64    `json:"iat"`
	ExpiresAt       int64    `json:"exp"`
	GrantType       string   `json:"gty"`
	AuthorizedParty string   `json:"azp"`
}

// ValidationConfig holds the expected aud and iss for a verification.
type ValidationConfig struct {
	ExpectedAudience string
	ExpectedIssuer   string
}
