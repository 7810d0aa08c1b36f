package connection

import "time"

// Connection is a linked financial account. AccessToken and RefreshToken hold
// plaintext only in memory; the repository encrypts them on write.
type Connection struct {
	ID              string
	UserID          string
	Provider        string
	ExternalID      string
	InstitutionName string
	AccessToken     string
	RefreshToken    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Input struct {
	Provider        string `json:"provider"`
	ExternalID      string `json:"external_id"`
	InstitutionName string `json:"institution_name"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
}

// View is what the API exposes; secrets are reduced to a short hint.
type View struct {
	ID              string    `json:"id"`
	Provider        string    `json:"provider"`
	ExternalID      string    `json:"external_id"`
	InstitutionName string    `json:"institution_name"`
	AccessTokenHint string    `json:"access_token_hint"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (c Connection) View() View {
	return View{
		ID:              c.ID,
		Provider:        c.Provider,
		ExternalID:      c.ExternalID,
		InstitutionName: c.InstitutionName,
		AccessTokenHint: hint(c.AccessToken),
		HasRefreshToken: c.RefreshToken != "",
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func hint(secret string) string {
	const visible = 4
	if len(secret) <= visible*2 {
		return "****"
	}
	return "****" + secret[len(secret)-visible:]
}
